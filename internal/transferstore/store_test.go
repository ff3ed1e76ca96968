package transferstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCreate(t *testing.T, s *Store, id string) *Transfer {
	t.Helper()
	tr, err := s.Create(Record{
		ID: id, FileName: "a.bin", FileSize: 48 * 1024, MediaType: "application/octet-stream",
		SenderID: "a", ReceiverID: "b",
	})
	require.NoError(t, err)
	return tr
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	s := New()
	mustCreate(t, s, "t1")
	_, err := s.Create(Record{ID: "t1", SenderID: "a", ReceiverID: "b"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreateRejectsSameSenderReceiver(t *testing.T) {
	s := New()
	_, err := s.Create(Record{ID: "t1", SenderID: "a", ReceiverID: "a"})
	assert.Error(t, err)
}

func TestLegalTransitionSequence(t *testing.T) {
	s := New()
	mustCreate(t, s, "t1")

	accepted := Accepted
	tr, err := s.Update("t1", Patch{Status: &accepted})
	require.NoError(t, err)
	assert.Equal(t, Accepted, tr.Status)

	transferring := Transferring
	p33 := 33
	tr, err = s.Update("t1", Patch{Status: &transferring, Progress: &p33})
	require.NoError(t, err)
	assert.Equal(t, Transferring, tr.Status)
	assert.Equal(t, 33, tr.Progress)

	p100 := 100
	tr, err = s.Update("t1", Patch{Progress: &p100})
	require.NoError(t, err)
	assert.Equal(t, Completed, tr.Status, "progress reaching 100 auto-completes")
	assert.Equal(t, 100, tr.Progress)
	assert.False(t, tr.CompletedAt.IsZero())
}

func TestTerminalStateIsFinal(t *testing.T) {
	s := New()
	mustCreate(t, s, "t1")
	rejected := Rejected
	_, err := s.Update("t1", Patch{Status: &rejected})
	require.NoError(t, err)

	accepted := Accepted
	_, err = s.Update("t1", Patch{Status: &accepted})
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestIllegalTransitionRejected(t *testing.T) {
	s := New()
	mustCreate(t, s, "t1")

	completed := Completed
	_, err := s.Update("t1", Patch{Status: &completed})
	assert.ErrorIs(t, err, ErrIllegalTransition, "pending cannot jump straight to completed")
}

func TestProgressMustNotDecrease(t *testing.T) {
	s := New()
	mustCreate(t, s, "t1")
	accepted := Accepted
	p50 := 50
	_, err := s.Update("t1", Patch{Status: &accepted, Progress: &p50})
	require.NoError(t, err)

	p10 := 10
	_, err = s.Update("t1", Patch{Progress: &p10})
	assert.Error(t, err)
}

func TestActiveAndHistoryFor(t *testing.T) {
	s := New()
	mustCreate(t, s, "active1")
	mustCreate(t, s, "done1")
	rejected := Rejected
	_, err := s.Update("done1", Patch{Status: &rejected})
	require.NoError(t, err)

	active := s.ActiveFor("a")
	require.Len(t, active, 1)
	assert.Equal(t, "active1", active[0].ID)

	history := s.HistoryFor("a", 10)
	require.Len(t, history, 1)
	assert.Equal(t, "done1", history[0].ID)
}

func TestUpdateUnknownTransfer(t *testing.T) {
	s := New()
	accepted := Accepted
	_, err := s.Update("missing", Patch{Status: &accepted})
	assert.ErrorIs(t, err, ErrNotFound)
}
