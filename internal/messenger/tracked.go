package messenger

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"nudge/internal/domain"
	"nudge/internal/metrics"
)

// Recorder persists delivery outcomes. ledger.Repository satisfies it.
type Recorder interface {
	RecordDelivery(ctx context.Context, d domain.Delivery) (string, error)
}

// Tracked sends through a Messenger and records every attempt.
type Tracked struct {
	next     Messenger
	recorder Recorder
	metrics  *metrics.Metrics
	userID   string
}

// NewTracked returns a Tracked sender for userID. recorder may be nil.
func NewTracked(next Messenger, userID string, recorder Recorder, m *metrics.Metrics) *Tracked {
	return &Tracked{next: next, recorder: recorder, metrics: m, userID: userID}
}

// Send delivers text to the configured user. The returned error is the
// messenger's; recording failures are only logged.
func (t *Tracked) Send(ctx context.Context, kind domain.DeliveryKind, subject, text string, action *Action) error {
	err := t.next.SendDirectMessage(ctx, t.userID, text, action)

	d := domain.Delivery{Kind: kind, Subject: subject, Status: "sent", CreatedAt: time.Now()}
	if err != nil {
		d.Status = "failed"
		d.Error = err.Error()
		log.Error().Err(err).Str("kind", string(kind)).Str("subject", subject).Msg("delivery failed")
	}
	t.metrics.Delivery(string(kind), d.Status)
	if t.recorder != nil {
		if _, rerr := t.recorder.RecordDelivery(ctx, d); rerr != nil {
			log.Warn().Err(rerr).Str("kind", string(kind)).Msg("failed to record delivery")
		}
	}
	return err
}
