package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadRoundTrip(t *testing.T) {
	t.Parallel()

	in := Payload{
		Kind:    kindPull,
		RelPath: "docs/readme.md",
		Remote: &RemoteFile{
			Token:        "fil-123",
			Name:         "readme.md",
			Size:         9,
			ModifiedTime: "1700000000",
			Path:         "docs/readme.md",
		},
	}

	out, err := decodePayload(encodePayload(in))
	require.NoError(t, err)

	assert.Equal(t, in.Kind, out.Kind)
	assert.Equal(t, in.RelPath, out.RelPath)
	require.NotNil(t, out.Remote)
	assert.Equal(t, "fil-123", out.Remote.Token)
}

func TestDecodePayload_Invalid(t *testing.T) {
	t.Parallel()

	_, err := decodePayload("{not json")
	assert.Error(t, err)
}

func TestIsInternalPath(t *testing.T) {
	t.Parallel()

	eng, _, _, _ := newTestEngine(t, nil)

	assert.True(t, eng.isInternalPath(".sync_trash/20240101/a.txt"))
	assert.True(t, eng.isInternalPath(".sync_quarantine/a.txt"))
	assert.False(t, eng.isInternalPath("docs/a.txt"))
	assert.False(t, eng.isInternalPath("trash/a.txt"))
}

func TestRetryBackoff(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 2*time.Second, retryBackoff(0, enqueueBackoffCap))
	assert.Equal(t, 4*time.Second, retryBackoff(1, enqueueBackoffCap))
	assert.Equal(t, 256*time.Second, retryBackoff(7, enqueueBackoffCap))

	// The enqueue cap kicks in before the exponent cap.
	assert.Equal(t, enqueueBackoffCap, retryBackoff(8, enqueueBackoffCap))

	// The exponent itself stops growing at 2^9.
	assert.Equal(t, 512*time.Second, retryBackoff(50, rescheduleBackoffCap))
}
