package bus

import (
	"context"

	"github.com/rendis/seqflow/pkg/schema"
)

// Bus is the durable pub/sub transport every component communicates
// through. Delivery is at-least-once from the consumer's point of view:
// handlers are written to tolerate redelivered and out-of-order events.
type Bus interface {
	Publish(ctx context.Context, event schema.Envelope) error
	Subscribe(ctx context.Context, pattern Pattern) (<-chan schema.Envelope, func(), error)
}
