package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/thejerf/suture/v4"
	"github.com/typesetd/typesetd/internal/log"
	"github.com/typesetd/typesetd/internal/render"
)

// RequestSource is the slice of the admission queue a slot service needs.
// Implemented by *queue.Admission.
type RequestSource interface {
	Next(ctx context.Context) (render.Request, error)
	Complete(id string, outcome render.Outcome) error
}

// SlotService drives one Supervisor from the admission queue. It runs under
// the suture render layer: a panic or transient error restarts the loop,
// while spawn exhaustion takes the whole tree down so the operator notices.
type SlotService struct {
	sup    *Supervisor
	source RequestSource
	logger *slog.Logger
}

// NewSlotService wires a slot to the queue.
func NewSlotService(sup *Supervisor, source RequestSource) *SlotService {
	return &SlotService{
		sup:    sup,
		source: source,
		logger: log.WithWorker(sup.slot),
	}
}

// Serve pumps requests until ctx is cancelled.
func (s *SlotService) Serve(ctx context.Context) error {
	defer s.sup.Shutdown()

	for {
		req, err := s.source.Next(ctx)
		if err != nil {
			return err // ctx cancelled
		}

		outcome, err := s.sup.Dispatch(ctx, req)
		if cerr := s.source.Complete(req.ID, outcome); cerr != nil {
			s.logger.Error("deliver outcome", "request_id", req.ID, "error", cerr)
		}
		if err != nil {
			if errors.Is(err, ErrSpawnExhausted) {
				return fmt.Errorf("slot %d: %w: %w", s.sup.slot, suture.ErrTerminateSupervisorTree, err)
			}
			return err
		}
	}
}

func (s *SlotService) String() string {
	return fmt.Sprintf("render-slot-%d", s.sup.slot)
}
