package client

import (
	"go.uber.org/zap"

	"github.com/chatlink/chatlink/internal/client/history"
	"github.com/chatlink/chatlink/internal/wire"
)

// Reconciler owns the durable pending list: messages whose outcome is still
// queued or failed. It replays them through the normal send contract on every
// reconnect, in the order they were captured.
type Reconciler struct {
	history *history.Store
	owner   string
	log     *zap.Logger
}

func NewReconciler(store *history.Store, owner string, log *zap.Logger) *Reconciler {
	return &Reconciler{history: store, owner: owner, log: log}
}

// CaptureTimeout records a timed-out send: the local copy becomes failed with
// one more attempt, and the message joins the pending list.
func (r *Reconciler) CaptureTimeout(msg wire.Message) {
	if err := r.history.Update(r.owner, msg.MessageID, wire.StatusFailed, msg.Attempts+1, 0); err != nil {
		r.log.Warn("record timeout", zap.String("message_id", msg.MessageID), zap.Error(err))
	}
	if err := r.history.MarkPending(r.owner, msg.MessageID, true); err != nil {
		r.log.Warn("mark pending", zap.String("message_id", msg.MessageID), zap.Error(err))
	}
}

// CaptureOffline queues a message locally because there is no transport.
func (r *Reconciler) CaptureOffline(msg wire.Message) {
	if err := r.history.SetStatus(r.owner, msg.MessageID, wire.StatusQueued); err != nil {
		r.log.Warn("record offline queue", zap.String("message_id", msg.MessageID), zap.Error(err))
	}
	if err := r.history.MarkPending(r.owner, msg.MessageID, true); err != nil {
		r.log.Warn("mark pending", zap.String("message_id", msg.MessageID), zap.Error(err))
	}
}

// Settle applies a confirmed outcome and removes the entry from the pending
// list.
func (r *Reconciler) Settle(messageID string, status wire.Status) {
	if err := r.history.SetStatus(r.owner, messageID, status); err != nil {
		r.log.Warn("settle status", zap.String("message_id", messageID), zap.Error(err))
	}
	if err := r.history.MarkPending(r.owner, messageID, false); err != nil {
		r.log.Warn("clear pending", zap.String("message_id", messageID), zap.Error(err))
	}
}

// Replay re-issues every pending message through send, in capture order.
// delivered and queued outcomes settle the entry; timeout re-marks it failed
// for the next reconnect or a manual retry.
func (r *Reconciler) Replay(send func(wire.Message) (wire.Outcome, error)) {
	pending, err := r.history.Pending(r.owner)
	if err != nil {
		r.log.Warn("load pending list", zap.Error(err))
		return
	}

	for _, msg := range pending {
		if msg.SenderID != r.owner {
			continue
		}

		outcome, err := send(msg)
		if err != nil {
			r.log.Warn("replay send", zap.String("message_id", msg.MessageID), zap.Error(err))
			return
		}

		switch outcome {
		case wire.OutcomeDelivered:
			r.Settle(msg.MessageID, wire.StatusDelivered)
		case wire.OutcomeQueued:
			r.Settle(msg.MessageID, wire.StatusQueued)
		case wire.OutcomeTimeout:
			r.CaptureTimeout(msg)
		}
	}
}
