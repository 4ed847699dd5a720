package eventlog

import (
	"context"
	"log"
	"time"

	"github.com/eltris/escrowd/internal/services/escrow/domain"
)

// DefaultPublishInterval is how often the publisher drains the journal.
const DefaultPublishInterval = 5 * time.Second

// publishBatchSize bounds one drain pass.
const publishBatchSize = 100

// journal is the slice of storage the publisher needs.
type journal interface {
	ListUnpublishedEvents(ctx context.Context, limit int) ([]domain.Event, error)
	MarkEventPublished(ctx context.Context, taskID string, seq uint64, externalEventID string) error
}

// Publisher mirrors journal rows onto the public log. Rows publish in order
// and are marked with their record id, so a crash mid-drain re-publishes
// idempotently rather than skipping.
type Publisher struct {
	journal  journal
	signer   *Signer
	relay    Relay
	interval time.Duration
}

// NewPublisher wires a journal drain loop over the given relay.
func NewPublisher(j journal, signer *Signer, relay Relay, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = DefaultPublishInterval
	}
	return &Publisher{journal: j, signer: signer, relay: relay, interval: interval}
}

// Run drains the journal on the configured interval until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.DrainOnce(ctx); err != nil {
				log.Printf("event=eventlog_drain_failed error=%v", err)
			}
		}
	}
}

// DrainOnce publishes up to one batch of unpublished journal rows. A publish
// failure stops the pass; remaining rows stay queued for the next tick.
func (p *Publisher) DrainOnce(ctx context.Context) error {
	events, err := p.journal.ListUnpublishedEvents(ctx, publishBatchSize)
	if err != nil {
		return err
	}
	for _, evt := range events {
		record, err := p.signer.Sign(evt)
		if err != nil {
			return err
		}
		if err := p.relay.Publish(ctx, record); err != nil {
			return err
		}
		if err := p.journal.MarkEventPublished(ctx, evt.TaskID, evt.Seq, record.ID); err != nil {
			return err
		}
	}
	return nil
}
