package memory

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lobkit/internal/blob/core"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()
	assert.Equal(t, core.DriverMemory, s.Driver())

	md := map[string]string{"job": "42"}
	info, err := s.Put(ctx, "reports/42/users.csv", bytes.NewReader([]byte("a,b\n")), core.PutOptions{ContentType: "text/csv", Metadata: md})
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.Size)
	assert.Len(t, info.ETag, 64)
	md["job"] = "mutated"

	_, err = s.Put(ctx, "reports/42/users.csv", bytes.NewReader(nil), core.PutOptions{})
	assert.ErrorIs(t, err, core.ErrExists)

	head, err := s.Head(ctx, "reports/42/users.csv")
	require.NoError(t, err)
	assert.Equal(t, "42", head.Metadata["job"])
	assert.Equal(t, "text/csv", head.ContentType)

	_, rc, err := s.Get(ctx, "reports/42/users.csv")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "a,b\n", string(body))

	_, err = s.Put(ctx, "reports/7/x.json", bytes.NewReader([]byte("{}")), core.PutOptions{})
	require.NoError(t, err)
	list, err := s.List(ctx, "reports/4")
	require.NoError(t, err)
	require.Len(t, list, 1)
	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "reports/42/users.csv", all[0].Key)
	assert.Equal(t, "reports/7/x.json", all[1].Key)

	existed, err := s.Delete(ctx, "reports/42/users.csv")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = s.Delete(ctx, "reports/42/users.csv")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = s.Head(ctx, "reports/42/users.csv")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.PresignURL(ctx, "reports/7/x.json", core.SignedURLOptions{})
	assert.ErrorIs(t, err, core.ErrUnsupported)
}

func TestPutRejectsEmptyKeyAndCancelledContext(t *testing.T) {
	s := New()
	_, err := s.Put(context.Background(), " ", bytes.NewReader(nil), core.PutOptions{})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Put(ctx, "k", bytes.NewReader(nil), core.PutOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}
