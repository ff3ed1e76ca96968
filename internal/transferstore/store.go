// Package transferstore owns Transfer records end to end: creation,
// status-transition enforcement, and the active/history queries the hub
// and the HTTP inventory endpoint need. Everything lives in memory; a hub
// restart invalidates every transfer.
package transferstore

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Status is a Transfer's lifecycle state.
type Status string

const (
	Pending      Status = "pending"
	Accepted     Status = "accepted"
	Transferring Status = "transferring"
	Completed    Status = "completed"
	Rejected     Status = "rejected"
	Failed       Status = "failed"
)

// IsTerminal reports whether s is one of the three terminal states.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Failed || s == Rejected
}

// legalNext enumerates the legal status transitions.
var legalNext = map[Status]map[Status]bool{
	Pending:      {Accepted: true, Rejected: true},
	Accepted:     {Transferring: true, Failed: true, Completed: true},
	Transferring: {Completed: true, Failed: true},
}

var (
	// ErrAlreadyExists is returned by Create when the transfer id is taken.
	ErrAlreadyExists = errors.New("transferstore: transfer already exists")
	// ErrNotFound is returned when an operation references an unknown id.
	ErrNotFound = errors.New("transferstore: transfer not found")
	// ErrTerminal is returned by Update when the transfer is already final.
	ErrTerminal = errors.New("transferstore: transfer already in a terminal state")
	// ErrIllegalTransition is returned when patch.Status is not reachable
	// from the current status.
	ErrIllegalTransition = errors.New("transferstore: illegal status transition")
)

// Transfer is one file handoff from Sender to Receiver.
type Transfer struct {
	ID          string
	FileName    string
	FileSize    int64
	MediaType   string
	SenderID    string
	ReceiverID  string
	Status      Status
	Progress    int
	CreatedAt   time.Time
	CompletedAt time.Time // zero value until a terminal state is reached
}

// Record is the input to Create: every immutable field plus an initial
// status (almost always Pending).
type Record struct {
	ID         string
	FileName   string
	FileSize   int64
	MediaType  string
	SenderID   string
	ReceiverID string
	Status     Status
}

// Patch describes a status/progress update. Nil fields are left unchanged.
type Patch struct {
	Status   *Status
	Progress *int
}

// Store is a concurrency-safe, in-memory, append-only-from-the-outside
// transfer table.
type Store struct {
	mu   sync.RWMutex
	byID map[string]*Transfer
	now  func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		byID: make(map[string]*Transfer),
		now:  time.Now,
	}
}

// Create inserts a new transfer. SenderID must differ from ReceiverID;
// Create checks this itself since the rest of the lifecycle depends on it.
func (s *Store) Create(rec Record) (*Transfer, error) {
	if rec.SenderID == rec.ReceiverID {
		return nil, errors.New("transferstore: sender and receiver must differ")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[rec.ID]; exists {
		return nil, ErrAlreadyExists
	}

	status := rec.Status
	if status == "" {
		status = Pending
	}

	t := &Transfer{
		ID:         rec.ID,
		FileName:   rec.FileName,
		FileSize:   rec.FileSize,
		MediaType:  rec.MediaType,
		SenderID:   rec.SenderID,
		ReceiverID: rec.ReceiverID,
		Status:     status,
		Progress:   0,
		CreatedAt:  s.now(),
	}
	s.byID[rec.ID] = t

	cp := *t
	return &cp, nil
}

// Update applies patch, enforcing the status transition table and the
// progress/terminal invariants:
//   - progress is monotonically non-decreasing within a non-terminal lifespan
//   - progress == 100 iff status == completed
//   - completed-at is set iff status becomes terminal, and is set exactly once
//
// Once a transfer reaches a terminal state, every subsequent Update fails
// with ErrTerminal.
func (s *Store) Update(transferID string, patch Patch) (*Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[transferID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status.IsTerminal() {
		return nil, ErrTerminal
	}

	next := t.Status
	if patch.Status != nil {
		next = *patch.Status
		if next != t.Status {
			allowed, known := legalNext[t.Status]
			if !known || !allowed[next] {
				return nil, ErrIllegalTransition
			}
		}
	}

	progress := t.Progress
	if patch.Progress != nil {
		if *patch.Progress < progress {
			return nil, errors.New("transferstore: progress must not decrease")
		}
		progress = *patch.Progress
		if progress > 100 {
			progress = 100
		}
	}

	// progress == 100 implies completed; reaching 100 without an explicit
	// status in the patch auto-completes, matching the hub's
	// transfer-progress handling.
	if progress == 100 && next != Completed {
		next = Completed
	}
	if next == Completed {
		progress = 100
	}

	t.Status = next
	t.Progress = progress
	if t.Status.IsTerminal() {
		t.CompletedAt = s.now()
	}

	cp := *t
	return &cp, nil
}

// Get returns the transfer, if any.
func (s *Store) Get(transferID string) (*Transfer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[transferID]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// ActiveFor returns every non-terminal transfer where deviceID is sender or
// receiver.
func (s *Store) ActiveFor(deviceID string) []*Transfer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Transfer
	for _, t := range s.byID {
		if t.Status.IsTerminal() {
			continue
		}
		if t.SenderID == deviceID || t.ReceiverID == deviceID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// HistoryFor returns terminal-status transfers involving deviceID, newest
// first, truncated to limit.
func (s *Store) HistoryFor(deviceID string, limit int) []*Transfer {
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Transfer
	for _, t := range s.byID {
		if !t.Status.IsTerminal() {
			continue
		}
		if t.SenderID == deviceID || t.ReceiverID == deviceID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
