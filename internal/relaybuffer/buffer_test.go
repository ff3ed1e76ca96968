package relaybuffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuffer() *Buffer {
	return New(60*time.Second, 30*time.Second, 30*time.Second)
}

func TestDownloadRequiresAuthorization(t *testing.T) {
	b := newTestBuffer()
	b.Store("t1", "a.bin", "application/octet-stream", "", []byte("hello"))

	_, err := b.Download("t1")
	assert.ErrorIs(t, err, ErrNotFound, "unauthorized transfer must not be downloadable")

	b.Authorize("t1")
	entry, err := b.Download("t1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), entry.Payload)
	assert.Equal(t, "a.bin", entry.RelativePath, "relative path defaults to file name")
}

func TestUploadIsIdempotentViaProcessedFlag(t *testing.T) {
	b := newTestBuffer()
	assert.False(t, b.IsProcessed("t1"))
	b.Store("t1", "a.bin", "text/plain", "", []byte("x"))
	assert.True(t, b.IsProcessed("t1"))
}

func TestShouldNotifyDedupesWithinCooldown(t *testing.T) {
	b := newTestBuffer()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	assert.True(t, b.ShouldNotify("t1"), "first notification goes through")
	assert.False(t, b.ShouldNotify("t1"), "second within cooldown is suppressed")

	b.now = func() time.Time { return fixed.Add(31 * time.Second) }
	assert.True(t, b.ShouldNotify("t1"), "cooldown has elapsed")
}

func TestSweepEvictsUnusedAfterWindow(t *testing.T) {
	b := newTestBuffer()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	b.Store("t1", "a.bin", "text/plain", "", []byte("x"))
	assert.Equal(t, 0, b.Sweep())

	b.now = func() time.Time { return fixed.Add(31 * time.Second) }
	assert.Equal(t, 1, b.Sweep(), "unused entry expires after unusedRetain")

	_, ok := b.entries["t1"]
	assert.False(t, ok)
}

func TestSweepEvictsDownloadedEntryAfterRetention(t *testing.T) {
	b := newTestBuffer()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	b.Store("t1", "a.bin", "text/plain", "", []byte("x"))
	b.Authorize("t1")
	_, err := b.Download("t1")
	require.NoError(t, err)

	b.now = func() time.Time { return fixed.Add(59 * time.Second) }
	assert.Equal(t, 0, b.Sweep(), "not yet past downloadRetain")

	b.now = func() time.Time { return fixed.Add(61 * time.Second) }
	assert.Equal(t, 1, b.Sweep())
}

func TestDiscardRemovesImmediately(t *testing.T) {
	b := newTestBuffer()
	b.Store("t1", "a.bin", "text/plain", "", []byte("x"))
	b.Authorize("t1")
	b.Discard("t1")

	_, err := b.Download("t1")
	assert.ErrorIs(t, err, ErrNotFound)
}
