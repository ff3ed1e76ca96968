// Package relaybuffer holds fallback-path file payloads: the bytes a sender
// uploads when peer negotiation fails, until the accepted receiver downloads
// them or the retention window expires.
package relaybuffer

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when an operation references an unknown transfer id.
var ErrNotFound = errors.New("relaybuffer: entry not found")

// Entry is one buffered upload, keyed by transfer id.
type Entry struct {
	TransferID   string
	Payload      []byte
	FileName     string
	MediaType    string
	RelativePath string // defaults to FileName
	UploadedAt   time.Time
	Accepted     bool
}

type entryState struct {
	Entry
	expiresAt time.Time // zero until a retention window is scheduled
}

// Buffer is the concurrency-safe in-memory relay payload store, plus the
// three de-dup sets the relay path depends on: processed uploads, notified
// transfers, accepted transfers.
type Buffer struct {
	mu      sync.Mutex
	entries map[string]*entryState

	// processed marks a transfer id whose upload has fully completed, making
	// a repeat POST to the same transfer id idempotent.
	processed map[string]bool

	// accepted mirrors the hub's transfer-answer(accepted=true) decision;
	// download is refused unless the id is present here.
	accepted map[string]bool

	// notifiedAt records the last transfer-complete push per transfer id,
	// so a second upload of the same id within notifyCooldown does not
	// trigger a duplicate push.
	notifiedAt map[string]time.Time

	downloadRetain time.Duration // 60s after a successful download
	unusedRetain   time.Duration // 30s after upload if never downloaded
	notifyCooldown time.Duration // de-dup window for transfer-complete pushes
	now            func() time.Time
}

// New creates an empty Buffer. downloadRetain bounds how long an entry
// survives after a successful download, unusedRetain how long an unclaimed
// entry survives after upload, notifyCooldown the completion-push de-dup
// window.
func New(downloadRetain, unusedRetain, notifyCooldown time.Duration) *Buffer {
	return &Buffer{
		entries:        make(map[string]*entryState),
		processed:      make(map[string]bool),
		accepted:       make(map[string]bool),
		notifiedAt:     make(map[string]time.Time),
		downloadRetain: downloadRetain,
		unusedRetain:   unusedRetain,
		notifyCooldown: notifyCooldown,
		now:            time.Now,
	}
}

// Authorize marks transferID as download-authorized, mirroring the hub's
// transfer-answer(accepted=true) handling.
func (b *Buffer) Authorize(transferID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accepted[transferID] = true
}

// IsAuthorized reports whether transferID has been accepted for download.
func (b *Buffer) IsAuthorized(transferID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accepted[transferID]
}

// IsProcessed reports whether transferID already has a completed upload, so
// the upload handler can respond success without re-consuming the body.
func (b *Buffer) IsProcessed(transferID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processed[transferID]
}

// Store records a completed upload. relativePath defaults to fileName when
// empty. Until Download schedules its own expiry, Sweep evicts the entry
// unusedRetain after upload.
func (b *Buffer) Store(transferID, fileName, mediaType, relativePath string, payload []byte) {
	if relativePath == "" {
		relativePath = fileName
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[transferID] = &entryState{Entry: Entry{
		TransferID:   transferID,
		Payload:      payload,
		FileName:     fileName,
		MediaType:    mediaType,
		RelativePath: relativePath,
		UploadedAt:   b.now(),
	}}
	b.processed[transferID] = true
}

// ShouldNotify reports whether a transfer-complete push for transferID is
// outside its de-dup cooldown, so at most one completion notice reaches
// the receiver per window. Calling it also records the notification, so
// the first caller wins.
func (b *Buffer) ShouldNotify(transferID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	last, seen := b.notifiedAt[transferID]
	now := b.now()
	if seen && now.Sub(last) < b.notifyCooldown {
		return false
	}
	b.notifiedAt[transferID] = now
	return true
}

// Download returns the payload if transferID is authorized and present,
// marks the entry Accepted (it already must be authorized to reach here, but
// Accepted also reflects "has been downloaded" for the sweep), and schedules
// eviction downloadRetain after this call.
func (b *Buffer) Download(transferID string) (Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.accepted[transferID] {
		return Entry{}, ErrNotFound
	}
	st, ok := b.entries[transferID]
	if !ok {
		return Entry{}, ErrNotFound
	}

	st.Accepted = true
	st.expiresAt = b.now().Add(b.downloadRetain)
	cp := st.Entry
	return cp, nil
}

// Discard removes an entry immediately, regardless of its retention state.
func (b *Buffer) Discard(transferID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, transferID)
	delete(b.accepted, transferID)
}

// Sweep evicts every entry past its retention window: downloadRetain after a
// successful download, or unusedRetain after upload if it was never
// downloaded. It returns the number of entries removed.
func (b *Buffer) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for id, st := range b.entries {
		var deadline time.Time
		switch {
		case !st.expiresAt.IsZero():
			deadline = st.expiresAt
		default:
			deadline = st.UploadedAt.Add(b.unusedRetain)
		}
		if now.After(deadline) {
			delete(b.entries, id)
			delete(b.accepted, id)
			removed++
		}
	}
	return removed
}

// Run drives the retention sweep every interval until ctx is cancelled.
func (b *Buffer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep()
		}
	}
}
