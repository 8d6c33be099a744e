package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/typesetd/typesetd/internal/events"
	"github.com/typesetd/typesetd/internal/metrics"
	"github.com/typesetd/typesetd/internal/render"
	"github.com/typesetd/typesetd/internal/storage"
)

// lifecycleObserver fans queue transitions out to the journal, Prometheus,
// and the event hub. Journal writes are best-effort; a failed insert must
// never fail a render.
type lifecycleObserver struct {
	journal *storage.Journal
	hub     *events.Hub
	logger  *slog.Logger
}

func (o *lifecycleObserver) RequestQueued(req render.Request, depth int) {
	metrics.QueueDepth.Set(float64(depth))
	o.hub.Publish(events.TypeQueued, events.RenderEvent{RequestID: req.ID, Depth: depth})
}

func (o *lifecycleObserver) RequestStarted(req render.Request) {
	metrics.QueueDepth.Dec()
	o.hub.Publish(events.TypeStarted, events.RenderEvent{RequestID: req.ID})
}

func (o *lifecycleObserver) RequestFinished(req render.Request, outcome render.Outcome, discarded bool) {
	metrics.RendersTotal.WithLabelValues(string(outcome.Kind)).Inc()
	metrics.RenderDuration.WithLabelValues(string(outcome.Kind)).Observe(outcome.Duration.Seconds())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.journal.Record(ctx, req, outcome, discarded); err != nil {
		o.logger.Error("journal render", "request_id", req.ID, "error", err)
	}

	o.hub.Publish(events.TypeFinished, events.RenderEvent{
		RequestID: req.ID,
		Outcome:   string(outcome.Kind),
		Discarded: discarded,
	})
}

func (o *lifecycleObserver) RequestCancelled(req render.Request) {
	metrics.CancelledTotal.Inc()
	metrics.QueueDepth.Dec()
	o.hub.Publish(events.TypeCancelled, events.RenderEvent{RequestID: req.ID})
}
