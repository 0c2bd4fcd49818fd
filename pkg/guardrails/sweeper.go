package guardrails

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically denies pending confirmations whose expiry has passed,
// so abandoned handles do not suspend plans forever.
type Sweeper struct {
	guardrails *Guardrails
	interval   time.Duration
	cancel     context.CancelFunc
	done       chan struct{}
	now        func() time.Time
}

// NewSweeper creates a sweeper over the guardrails' confirmation store.
func NewSweeper(g *Guardrails, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		guardrails: g,
		interval:   interval,
		now:        time.Now,
	}
}

// Start launches the sweep loop. Stop must be called to release it.
func (s *Sweeper) Start() {
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		log := slog.Default()
		log.Info("guardrails.sweeper.start", slog.Duration("interval", s.interval))
		for {
			select {
			case <-ctx.Done():
				log.Info("guardrails.sweeper.stop")
				return
			case <-ticker.C:
				expired, err := s.SweepOnce(ctx)
				if err != nil {
					log.Error("guardrails.sweeper.error", slog.String("error", err.Error()))
					continue
				}
				if expired > 0 {
					log.Info("guardrails.sweeper.expired", slog.Int("count", expired))
				}
			}
		}
	}()
}

// SweepOnce denies all pending confirmations past their expiry and returns
// how many were expired.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	stale, err := s.guardrails.Store().List(ctx, ConfirmationFilter{
		Status:         ConfirmationPending,
		ExpiringBefore: s.now().UTC(),
	})
	if err != nil {
		return 0, err
	}
	for _, record := range stale {
		if err := s.guardrails.Resolve(ctx, record.ID, false, "confirmation expired"); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// Stop halts the sweep loop and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}
