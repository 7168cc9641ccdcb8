package vod

import (
	"context"
	"log/slog"

	"github.com/onnwee/clip-tender/telemetry"
)

// Slots limits concurrent ffmpeg extractions across all jobs in the process.
// The zero value is not usable; call NewSlots.
type Slots struct {
	sem chan struct{}
}

// NewSlots returns a limiter admitting n concurrent holders (minimum 1).
func NewSlots(n int) *Slots {
	if n < 1 {
		n = 1
	}
	slog.Info("extraction concurrency limit initialized", slog.Int("max_concurrent", n))
	return &Slots{sem: make(chan struct{}, n)}
}

// Acquire blocks until a slot is available or ctx is done.
func (s *Slots) Acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		telemetry.SetActiveExtractions(len(s.sem))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire.
func (s *Slots) Release() {
	select {
	case <-s.sem:
		telemetry.SetActiveExtractions(len(s.sem))
	default:
		// Should not happen unless mismatched acquire/release
		slog.Warn("extraction slot release called without corresponding acquire")
	}
}

// Active returns the number of held slots.
func (s *Slots) Active() int { return len(s.sem) }

// Cap returns the configured maximum.
func (s *Slots) Cap() int { return cap(s.sem) }
