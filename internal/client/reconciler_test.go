package client

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatlink/chatlink/internal/client/history"
	"github.com/chatlink/chatlink/internal/wire"
)

func newTestReconciler(t *testing.T) (*Reconciler, *history.Store) {
	t.Helper()
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	return NewReconciler(store, "alice", zap.NewNop()), store
}

func capture(t *testing.T, r *Reconciler, store *history.Store, msg wire.Message) {
	t.Helper()
	_, err := store.Append("alice", msg)
	require.NoError(t, err)
	r.CaptureOffline(msg)
}

func TestReplaySettlesDeliveredAndQueued(t *testing.T) {
	r, store := newTestReconciler(t)

	first := wire.NewMessage("alice", "bob", "one")
	second := wire.NewMessage("alice", "bob", "two")
	capture(t, r, store, first)
	capture(t, r, store, second)

	outcomes := map[string]wire.Outcome{
		first.MessageID:  wire.OutcomeDelivered,
		second.MessageID: wire.OutcomeQueued,
	}
	var sent []string
	r.Replay(func(msg wire.Message) (wire.Outcome, error) {
		sent = append(sent, msg.MessageID)
		return outcomes[msg.MessageID], nil
	})

	require.Equal(t, []string{first.MessageID, second.MessageID}, sent, "replay must keep capture order")

	pending, err := store.Pending("alice")
	require.NoError(t, err)
	require.Empty(t, pending)

	conv, err := store.Conversation("alice", "bob")
	require.NoError(t, err)
	require.Equal(t, wire.StatusDelivered, conv[0].Status)
	require.Equal(t, wire.StatusQueued, conv[1].Status)
}

func TestReplayTimeoutKeepsEntryPendingWithMoreAttempts(t *testing.T) {
	r, store := newTestReconciler(t)

	msg := wire.NewMessage("alice", "bob", "hello")
	capture(t, r, store, msg)

	r.Replay(func(wire.Message) (wire.Outcome, error) {
		return wire.OutcomeTimeout, nil
	})

	pending, err := store.Pending("alice")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, wire.StatusFailed, pending[0].Status)
	require.Equal(t, msg.Attempts+1, pending[0].Attempts)
}

func TestReplaySkipsForeignMessages(t *testing.T) {
	r, store := newTestReconciler(t)

	// a queued copy from another sender must never be replayed by this client
	foreign := wire.NewMessage("bob", "alice", "hi")
	_, err := store.Append("alice", foreign)
	require.NoError(t, err)
	require.NoError(t, store.MarkPending("alice", foreign.MessageID, true))

	calls := 0
	r.Replay(func(wire.Message) (wire.Outcome, error) {
		calls++
		return wire.OutcomeDelivered, nil
	})
	require.Zero(t, calls)
}

func TestReplayStopsOnTransportError(t *testing.T) {
	r, store := newTestReconciler(t)

	first := wire.NewMessage("alice", "bob", "one")
	second := wire.NewMessage("alice", "bob", "two")
	capture(t, r, store, first)
	capture(t, r, store, second)

	calls := 0
	r.Replay(func(wire.Message) (wire.Outcome, error) {
		calls++
		return "", assertErr
	})

	require.Equal(t, 1, calls, "replay must stop at the first transport error")
	pending, err := store.Pending("alice")
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

var assertErr = errString("transport down")

type errString string

func (e errString) Error() string { return string(e) }
