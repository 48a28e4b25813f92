package s3

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lobkit/internal/blob/core"
)

func TestMockStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMockForTests()
	assert.Equal(t, core.DriverS3, s.Driver())
	assert.Equal(t, "mock-bucket", s.Bucket())

	info, err := s.Put(ctx, "reports/job-9/users.csv", strings.NewReader("Id,UserName\n1,ada\n"), core.PutOptions{ContentType: "text/csv", Metadata: map[string]string{"report": "users"}})
	require.NoError(t, err)
	assert.Equal(t, int64(18), info.Size)
	assert.Equal(t, "text/csv", info.ContentType)
	assert.Equal(t, "users", info.Metadata["report"])
	assert.NotEmpty(t, info.ETag)

	_, err = s.Put(ctx, "reports/job-9/users.csv", strings.NewReader("again"), core.PutOptions{})
	assert.ErrorIs(t, err, core.ErrExists)

	got, rc, err := s.Get(ctx, "reports/job-9/users.csv")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "Id,UserName\n1,ada\n", string(body))
	assert.Equal(t, info.ETag, got.ETag)

	_, err = s.Put(ctx, "reports/job-1/a.json", strings.NewReader("{}"), core.PutOptions{})
	require.NoError(t, err)
	list, err := s.List(ctx, "reports/")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "reports/job-1/a.json", list[0].Key)
	assert.Equal(t, int64(2), list[0].Size)

	u, err := s.PresignURL(ctx, "reports/job-1/a.json", core.SignedURLOptions{})
	require.NoError(t, err)
	assert.Contains(t, u, "mock-bucket/reports/job-1/a.json")
	assert.Contains(t, u, "X-Amz-Expires=900")
	_, err = s.PresignURL(ctx, "reports/job-1/a.json", core.SignedURLOptions{Method: "DELETE"})
	assert.ErrorIs(t, err, core.ErrUnsupported)

	existed, err := s.Delete(ctx, "reports/job-1/a.json")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = s.Delete(ctx, "reports/job-1/a.json")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = s.Head(ctx, "reports/job-1/a.json")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, _, err = s.Get(ctx, "reports/job-1/a.json")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestDecodeChunked(t *testing.T) {
	out, err := decodeChunked([]byte("5;chunk-signature=abc\r\nhello\r\n3\r\n\r\nx\r\n0\r\nx-amz-checksum-crc32:AAAA\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "hello\r\nx", string(out))

	_, err = decodeChunked([]byte("zz\r\n"))
	assert.Error(t, err)
}
