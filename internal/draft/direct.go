package draft

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/seqflow/internal/expressions"
	"github.com/rendis/seqflow/pkg/schema"
)

// DirectMaker emits one draft per matching trigger event. The optional
// trigger condition gates finer than the source/detail-type/status
// match; the transform shapes the trigger detail into the draft's
// inputs and tags.
type DirectMaker struct {
	pipeline  schema.Pipeline
	transform Transform
	exprs     *expressions.Registry
	pub       Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewDirectMaker creates a direct-trigger draft maker. transform may be
// nil, in which case the trigger detail becomes the draft inputs as-is.
func NewDirectMaker(p schema.Pipeline, transform Transform, exprs *expressions.Registry, pub Publisher, logger *slog.Logger) *DirectMaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectMaker{
		pipeline:  p,
		transform: transform,
		exprs:     exprs,
		pub:       pub,
		logger:    logger,
		now:       time.Now,
	}
}

// Handle processes one candidate trigger event. Non-matching events are
// ignored without error so the maker tolerates broad subscriptions and
// redelivery.
func (m *DirectMaker) Handle(ctx context.Context, event schema.Envelope) error {
	if !matchesTrigger(m.pipeline.Trigger, event) {
		return nil
	}

	if cond := m.pipeline.Trigger.Condition; cond != "" {
		ok, err := m.exprs.EvalCondition(ctx, m.pipeline.Trigger.ConditionEngine, cond, expressions.EventData(event))
		if err != nil {
			return err
		}
		if !ok {
			m.logger.DebugContext(ctx, "trigger condition not met",
				slog.String("workflow", m.pipeline.WorkflowName),
				slog.String("detail_type", event.DetailType))
			return nil
		}
	}

	data, err := m.payloadData(ctx, event)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}

	if err := emitDraft(ctx, m.pub, m.pipeline, *data, m.now().UTC()); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "draft emitted",
		slog.String("workflow", m.pipeline.WorkflowName),
		slog.String("trigger", event.DetailType))
	return nil
}

func (m *DirectMaker) payloadData(ctx context.Context, event schema.Envelope) (*schema.PayloadData, error) {
	if m.transform != nil {
		return m.transform(ctx, event)
	}
	return &schema.PayloadData{Inputs: event.DetailMap()}, nil
}
