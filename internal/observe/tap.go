package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cantinaos/cantina/internal/service"
	"github.com/cantinaos/cantina/pkg/bus"
	"github.com/cantinaos/cantina/pkg/events"
)

// TapServiceName identifies the metrics tap on the bus.
const TapServiceName = "metrics_tap"

// Tap is a passive subscriber that turns bus traffic into metrics: publish
// counts per topic, handler errors, plan durations, speech cache outcomes,
// and skipped commentary. It never publishes.
type Tap struct {
	*service.Base

	metrics *Metrics

	mu        sync.Mutex
	planStart map[string]time.Time
}

var _ service.Service = (*Tap)(nil)

// NewTap creates the metrics tap over every registered topic.
func NewTap(b *bus.Bus, m *Metrics, opts ...service.Option) *Tap {
	t := &Tap{
		Base:      service.NewBase(TapServiceName, b, opts...),
		metrics:   m,
		planStart: make(map[string]time.Time),
	}
	for _, topic := range b.Registry().Topics() {
		t.Declare(topic, t.observe)
	}
	return t
}

// observe records one delivered envelope. Handler errors raised here would
// feed back into the topic stream, so it never returns one.
func (t *Tap) observe(ctx context.Context, env events.Envelope) error {
	t.metrics.EventsPublished.Add(ctx, 1,
		metric.WithAttributes(attribute.String("topic", string(env.Topic))))

	switch env.Topic {
	case events.TopicServiceStatus:
		if p, ok := env.Payload.(*events.ServiceStatusPayload); ok && p.Kind != "" {
			t.metrics.HandlerErrors.Add(ctx, 1,
				metric.WithAttributes(attribute.String("service", p.Service)))
		}
	case events.TopicPlanStarted:
		if p, ok := env.Payload.(*events.PlanStatusPayload); ok {
			t.mu.Lock()
			t.planStart[p.PlanID] = time.Now()
			t.mu.Unlock()
			t.metrics.ActivePlans.Add(ctx, 1)
		}
	case events.TopicPlanCompleted, events.TopicPlanFailed, events.TopicPlanCancelled:
		if p, ok := env.Payload.(*events.PlanStatusPayload); ok {
			t.mu.Lock()
			started, known := t.planStart[p.PlanID]
			delete(t.planStart, p.PlanID)
			t.mu.Unlock()
			if known {
				t.metrics.ActivePlans.Add(ctx, -1)
				t.metrics.PlanDuration.Record(ctx, time.Since(started).Seconds(),
					metric.WithAttributes(attribute.String("outcome", outcomeOf(env.Topic))))
			}
		}
	case events.TopicCommentarySkipped:
		t.metrics.CommentariesSkipped.Add(ctx, 1)
	case events.TopicSpeechCompleted:
		if p, ok := env.Payload.(*events.SpeechPlaybackPayload); ok && p.PlanID != "" {
			result := "hit"
			if p.Error != "" {
				result = "miss"
			}
			t.metrics.RecordCacheResult(ctx, result)
		}
	}
	return nil
}

func outcomeOf(topic events.Topic) string {
	switch topic {
	case events.TopicPlanCompleted:
		return "completed"
	case events.TopicPlanFailed:
		return "failed"
	default:
		return "cancelled"
	}
}
