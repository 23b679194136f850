package s3

import (
	"context"
	"testing"

	"github.com/ajitpratap0/vdf/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAppliesOptions(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_CONFIG_FILE", "/nonexistent")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", "/nonexistent")

	assert.Contains(t, storage.Schemes(), "s3")
	s, err := New(context.Background(), "runs", storage.Options{
		Region:      "eu-west-1",
		Endpoint:    "http://localhost:9000",
		PartSize:    16 << 20,
		Concurrency: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, "runs", s.bucket)
	assert.Equal(t, int64(16<<20), s.uploader.PartSize)
	assert.Equal(t, 3, s.uploader.Concurrency)
	assert.Equal(t, "eu-west-1", s.client.Options().Region)
	assert.True(t, s.client.Options().UsePathStyle)
}
