package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mailprobe/admission"
	"mailprobe/models"
	"mailprobe/utils"
)

var ErrJobNotFound = errors.New("job not found")

// JobStore keeps asynchronous batch jobs in memory. A finished job is
// handed out once and then dropped; unfetched jobs expire after the
// retention period.
type JobStore struct {
	mu        sync.RWMutex
	jobs      map[string]*models.BatchJob
	retention time.Duration
	now       func() time.Time
}

func NewJobStore(retention time.Duration) *JobStore {
	if retention <= 0 {
		retention = time.Hour
	}
	return &JobStore{
		jobs:      make(map[string]*models.BatchJob),
		retention: retention,
		now:       time.Now,
	}
}

func (s *JobStore) Create(requesterID string, total int, opts models.BatchOptions) models.BatchJob {
	job := &models.BatchJob{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		Status:      models.JobPending,
		Options:     opts,
		Progress:    models.NewProgress(0, total, ""),
		CreatedAt:   s.now(),
	}
	job.Progress.JobID = job.ID

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return *job
}

func (s *JobStore) update(id string, fn func(job *models.BatchJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		fn(job)
	}
}

// Get returns a snapshot of the job. Completed and failed jobs are removed
// by the call that returns them. Jobs belonging to another requester are
// reported as not found; an empty requesterID matches any job.
func (s *JobStore) Get(id, requesterID string) (models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || (requesterID != "" && job.RequesterID != requesterID) {
		return models.BatchJob{}, ErrJobNotFound
	}
	if job.Status == models.JobCompleted || job.Status == models.JobFailed {
		delete(s.jobs, id)
	}
	return *job, nil
}

func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Expire drops jobs created before now minus the retention period and
// returns how many were removed. Jobs still running are kept.
func (s *JobStore) Expire(now time.Time) int {
	cutoff := now.Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if job.Status == models.JobProcessing || job.Status == models.JobPending {
			continue
		}
		if job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// JobRunner executes submitted jobs in the background against the
// orchestrator, recording progress and results in the store.
type JobRunner struct {
	store        *JobStore
	orchestrator *Orchestrator
	admission    *admission.Manager
	base         context.Context
	logger       *logrus.Entry
}

// NewJobRunner ties background jobs to base; cancelling it fails jobs
// still in flight. Each job holds a slot from am while it runs, so jobs
// count against the same ceilings as synchronous batches; a nil am runs
// jobs unadmitted.
func NewJobRunner(base context.Context, store *JobStore, orchestrator *Orchestrator, am *admission.Manager, logger *logrus.Entry) *JobRunner {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &JobRunner{
		store:        store,
		orchestrator: orchestrator,
		admission:    am,
		base:         base,
		logger:       logger.WithField("component", "jobs"),
	}
}

func (r *JobRunner) Store() *JobStore { return r.store }

func (r *JobRunner) Submit(requesterID string, addresses []string, opts models.BatchOptions) models.BatchJob {
	job := r.store.Create(requesterID, len(addresses), opts)
	go r.run(job.ID, requesterID, addresses, opts)
	return job
}

// admit blocks until the job's requester has a free slot. The job stays
// pending meanwhile.
func (r *JobRunner) admit(requesterID string, log *logrus.Entry) (*admission.Ticket, error) {
	ticket, err := r.admission.RequestSlot(requesterID)
	if err != nil {
		return nil, err
	}
	if !ticket.Granted() {
		log.WithField("position", ticket.Position()).Debug("job queued for admission")
		if err := ticket.Wait(r.base); err != nil {
			return nil, err
		}
	}
	return ticket, nil
}

func (r *JobRunner) run(id, requesterID string, addresses []string, opts models.BatchOptions) {
	log := r.logger.WithFields(logrus.Fields{"job_id": id, "addresses": len(addresses)})

	if r.admission != nil {
		ticket, err := r.admit(requesterID, log)
		if err != nil {
			r.fail(id, fmt.Errorf("not admitted, try again later: %w", err))
			return
		}
		defer ticket.Release()
	}

	log.Info("job started")
	started := time.Now()

	r.store.update(id, func(job *models.BatchJob) { job.Status = models.JobProcessing })

	verdicts, err := r.orchestrator.VerifyBatch(r.base, addresses, opts, func(p models.Progress) {
		p.JobID = id
		r.store.update(id, func(job *models.BatchJob) { job.Progress = p })
	})

	finished := time.Now()
	r.store.update(id, func(job *models.BatchJob) {
		job.CompletedAt = &finished
		if err != nil {
			job.Status = models.JobFailed
			job.Error = err.Error()
			return
		}
		summary := models.Summarize(verdicts)
		job.Status = models.JobCompleted
		job.Results = verdicts
		job.Summary = &summary
	})

	if err != nil {
		utils.LogError("job_failed", err, map[string]interface{}{"job_id": id})
		return
	}
	log.WithField("duration", utils.FormatDuration(finished.Sub(started))).Info("job completed")
}

func (r *JobRunner) fail(id string, err error) {
	finished := time.Now()
	r.store.update(id, func(job *models.BatchJob) {
		job.Status = models.JobFailed
		job.Error = err.Error()
		job.CompletedAt = &finished
	})
	utils.LogError("job_failed", err, map[string]interface{}{"job_id": id})
}
