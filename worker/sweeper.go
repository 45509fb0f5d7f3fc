package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// SlotSweeper is satisfied by *admission.Manager.
type SlotSweeper interface {
	Sweep(now time.Time) int
}

// Sweeper periodically reclaims stale admission slots and expires
// unfetched jobs.
type Sweeper struct {
	Admission SlotSweeper
	Jobs      *JobStore
	Interval  time.Duration
	Logger    *logrus.Entry
}

func NewSweeper(admission SlotSweeper, jobs *JobStore, interval time.Duration, logger *logrus.Entry) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Sweeper{
		Admission: admission,
		Jobs:      jobs,
		Interval:  interval,
		Logger:    logger.WithField("component", "sweeper"),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.Logger.Info("Sweeper started")

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("Sweeper shutting down...")
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

func (s *Sweeper) sweep(now time.Time) {
	var slots, jobs int
	if s.Admission != nil {
		slots = s.Admission.Sweep(now)
	}
	if s.Jobs != nil {
		jobs = s.Jobs.Expire(now)
	}
	if slots > 0 || jobs > 0 {
		s.Logger.WithFields(logrus.Fields{
			"slots_reclaimed": slots,
			"jobs_expired":    jobs,
		}).Info("sweep completed")
	}
}
