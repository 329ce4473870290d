package blob

import (
	"context"
	"encoding/base64"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAzureTestBackend(t *testing.T) *AzureBackend {
	t.Helper()
	b, err := NewAzureBackend(AzureConfig{
		AccountName:   "testaccount",
		AccountKey:    base64.StdEncoding.EncodeToString([]byte("test-key")),
		Container:     "uploads",
		PartSizeBytes: 4 << 20,
		URLExpiry:     time.Minute,
	})
	require.NoError(t, err)
	return b
}

func TestAzureBackend_BeginSingleWriteCarriesBlobTypeHeader(t *testing.T) {
	b := newAzureTestBackend(t)

	init, err := b.BeginSingleWrite(context.Background(), "u1/obj", "audio/wav", 1024)
	require.NoError(t, err)

	assert.Equal(t, StrategySingleWrite, init.Strategy)
	// Put Blob rejects requests without this header, and SAS query
	// parameters cannot carry it.
	assert.Equal(t, "BlockBlob", init.WriteHeaders["x-ms-blob-type"])

	u, err := url.Parse(init.WriteURL)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(u.Path, "/u1/obj"), "unexpected path %s", u.Path)
	assert.NotEmpty(t, u.Query().Get("sig"))
	assert.False(t, init.URLExpiresAt.IsZero())
}

func TestAzureBackend_PartWriteURLAppendsBlock(t *testing.T) {
	b := newAzureTestBackend(t)

	raw, err := b.PartWriteURL(context.Background(), "u1/obj", "u1/obj", 3)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "block", q.Get("comp"))
	assert.Equal(t, BlockID(3), q.Get("blockid"))
	assert.NotEmpty(t, q.Get("sig"))
}

func TestAzureBackend_BeginMultipartUsesSyntheticUploadID(t *testing.T) {
	b := newAzureTestBackend(t)

	init, err := b.BeginMultipart(context.Background(), "u1/obj", "video/mp4", 10<<20)
	require.NoError(t, err)

	assert.Equal(t, StrategyMultipart, init.Strategy)
	assert.Equal(t, "u1/obj", init.UploadID)
	assert.Equal(t, int64(4<<20), init.PartSizeBytes)
	assert.Equal(t, 3, init.TotalParts)
	assert.Empty(t, init.WriteHeaders)
}
