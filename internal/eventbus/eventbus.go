package eventbus

import "context"

// Topics published by the settlement core.
const (
	TopicPaymentCreated    = "payment.created"
	TopicPaymentMatched    = "payment.matched"
	TopicPaymentMismatched = "payment.mismatched"
	TopicCreditNoteIssued  = "creditnote.issued"
	TopicRefundProcessed   = "refund.processed"
	TopicLedgerSynced      = "ledger.synced"
)

// EventBus publishes settlement facts to interested consumers
// (notifications, analytics). Publishing is best effort: business
// transactions never fail because the bus is down.
type EventBus interface {
	Publish(ctx context.Context, topic string, event interface{}) error
	PublishAsync(ctx context.Context, topic string, event interface{}) error
	Close() error
}
