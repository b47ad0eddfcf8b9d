package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
)

func TestObjectKeyRoundTrip(t *testing.T) {
	key := ObjectKey("dQw4w9WgXcQ")
	assert.Equal(t, "audio/dQw4w9WgXcQ.opus", key)

	id, ok := SourceIDFromKey(key)
	assert.True(t, ok)
	assert.Equal(t, "dQw4w9WgXcQ", id)

	_, ok = SourceIDFromKey("other/dQw4w9WgXcQ.opus")
	assert.False(t, ok)
	_, ok = SourceIDFromKey("audio/dQw4w9WgXcQ.mp3")
	assert.False(t, ok)
	_, ok = SourceIDFromKey("audio/.opus")
	assert.False(t, ok)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.True(t, isNotFound(fmt.Errorf("wrapped: %w", minio.ErrorResponse{StatusCode: 404})))
	assert.False(t, isNotFound(minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}))
	assert.False(t, isNotFound(errors.New("connection refused")))
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatSize(512))
	assert.Equal(t, "1.5 KB", FormatSize(1536))
	assert.Equal(t, "2.0 MB", FormatSize(2<<20))
}
