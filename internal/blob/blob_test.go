package blob

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lobkit/internal/config"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()

	fsStore, err := Open(ctx, config.Blob{Driver: "fs", FSRoot: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, fsStore.Driver())

	mem, err := Open(ctx, config.Blob{Driver: "memory"})
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, mem.Driver())

	s3Store, err := Open(ctx, config.Blob{Driver: "s3", S3: config.S3{Bucket: "artifacts", Region: "eu-west-1", Endpoint: "http://localhost:9000", PathStyle: true}})
	require.NoError(t, err)
	assert.Equal(t, DriverS3, s3Store.Driver())

	_, err = Open(ctx, config.Blob{Driver: "s3"})
	assert.Error(t, err)
	_, err = Open(ctx, config.Blob{Driver: "gcs"})
	assert.Error(t, err)
}

func TestNewMemoryIsCreateOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_, err := s.Put(ctx, "a", strings.NewReader("1"), PutOptions{})
	require.NoError(t, err)
	_, err = s.Put(ctx, "a", strings.NewReader("2"), PutOptions{})
	assert.ErrorIs(t, err, ErrExists)
}
