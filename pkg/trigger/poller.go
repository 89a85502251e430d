package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FireFunc starts a run for the pipeline a due schedule references.
type FireFunc func(ctx context.Context, pipelineID string) error

// Poller scans registered schedules on an interval and fires the due ones.
type Poller struct {
	mu        sync.Mutex
	schedules map[string]*Schedule
	fire      FireFunc
	logger    *slog.Logger
}

func NewPoller(logger *slog.Logger, fire FireFunc) *Poller {
	return &Poller{
		schedules: make(map[string]*Schedule),
		fire:      fire,
		logger:    logger.With("module", "trigger"),
	}
}

// Add registers or replaces a schedule.
func (p *Poller) Add(schedule *Schedule) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.schedules[schedule.ID] = schedule
}

// Remove deletes a schedule.
func (p *Poller) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.schedules, id)
}

// Poll fires every due schedule once and advances its next execution time.
func (p *Poller) Poll(ctx context.Context, now time.Time) {
	p.mu.Lock()

	var due []*Schedule

	for _, schedule := range p.schedules {
		if schedule.Due(now) {
			due = append(due, schedule)
		}
	}

	for _, schedule := range due {
		err := schedule.UpdateNextDueAt()
		if err != nil {
			p.logger.ErrorContext(ctx, "Failed to advance schedule",
				"schedule_id", schedule.ID, "error", err)

			schedule.Active = false
		}
	}

	p.mu.Unlock()

	for _, schedule := range due {
		err := p.fire(ctx, schedule.PipelineID)
		if err != nil {
			p.logger.ErrorContext(ctx, "Failed to fire scheduled run",
				"schedule_id", schedule.ID, "pipeline_id", schedule.PipelineID, "error", err)
		}
	}
}

// Start runs the polling loop until the context is cancelled.
func (p *Poller) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.Poll(ctx, now.UTC())
		}
	}
}
