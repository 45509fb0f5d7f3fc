package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"mailprobe/metrics"
	"mailprobe/models"
	"mailprobe/verifier"
)

// ProgressFunc receives progress as sub-batches finish. It is called from
// the goroutine running VerifyBatch.
type ProgressFunc func(models.Progress)

type OrchestratorConfig struct {
	Strategies models.StrategyTable
	Logger     *logrus.Entry
}

// Orchestrator groups a batch by domain and feeds each group to the pool
// with the group's strategy, one domain at a time.
type Orchestrator struct {
	pool       *Pool
	classifier *verifier.Classifier
	strategies models.StrategyTable
	logger     *logrus.Entry
	sleep      func(ctx context.Context, d time.Duration)
}

func NewOrchestrator(pool *Pool, classifier *verifier.Classifier, cfg OrchestratorConfig) *Orchestrator {
	if classifier == nil {
		classifier = verifier.DefaultClassifier()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{
		pool:       pool,
		classifier: classifier,
		strategies: cfg.Strategies,
		logger:     cfg.Logger.WithField("component", "orchestrator"),
		sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

type domainGroup struct {
	domain  string
	policy  models.DomainPolicy
	indexes []int
}

// VerifyBatch returns one verdict per address, in input order. A
// cancelled ctx still yields a full-length result, with unprocessed
// addresses failed, alongside ctx's error.
func (o *Orchestrator) VerifyBatch(ctx context.Context, addresses []string, opts models.BatchOptions, progress ProgressFunc) ([]models.VerificationVerdict, error) {
	start := time.Now()
	defer func() { metrics.BatchDuration.Observe(time.Since(start).Seconds()) }()

	out := make([]models.VerificationVerdict, len(addresses))
	total := len(addresses)
	completed := 0
	report := func(domain string) {
		if progress != nil {
			progress(models.NewProgress(completed, total, domain))
		}
	}

	groups, malformed := o.group(addresses)
	for _, i := range malformed {
		out[i] = o.pool.verifyInline(ctx, addresses[i], verifier.Options{})
		completed++
	}
	if len(malformed) > 0 {
		report("")
	}

	for gi, g := range groups {
		strategy := o.strategyFor(g.policy, opts)
		vopts := verifier.Options{
			EnableSMTP:       strategy.SMTPEnabled && opts.EnableSMTP,
			DeepVerification: opts.DeepVerification,
		}

		o.logger.WithFields(logrus.Fields{
			"domain":      g.domain,
			"policy":      g.policy.String(),
			"addresses":   len(g.indexes),
			"concurrency": strategy.Concurrency,
			"smtp":        vopts.EnableSMTP,
		}).Debug("dispatching domain group")

		if err := o.runGroup(ctx, addresses, g, strategy.Concurrency, vopts, out, func(n int) {
			completed += n
			report(g.domain)
		}); err != nil {
			return nil, err
		}

		if gi < len(groups)-1 && strategy.InterBatchDelay > 0 && ctx.Err() == nil {
			o.sleep(ctx, strategy.InterBatchDelay)
		}
	}

	return out, ctx.Err()
}

// group splits addresses into domain groups in order of first appearance.
// Addresses that don't parse are returned separately.
func (o *Orchestrator) group(addresses []string) ([]*domainGroup, []int) {
	var groups []*domainGroup
	var malformed []int
	byDomain := make(map[string]*domainGroup)

	for i, addr := range addresses {
		c, err := models.ParseCandidate(addr)
		if err != nil {
			malformed = append(malformed, i)
			continue
		}
		g, ok := byDomain[c.Domain]
		if !ok {
			g = &domainGroup{domain: c.Domain, policy: o.classifier.Classify(c.Domain)}
			byDomain[c.Domain] = g
			groups = append(groups, g)
		}
		g.indexes = append(g.indexes, i)
	}
	return groups, malformed
}

func (o *Orchestrator) strategyFor(policy models.DomainPolicy, opts models.BatchOptions) models.Strategy {
	s := o.strategies.For(policy)
	if opts.Concurrency > 0 {
		s.Concurrency = opts.Concurrency
	}
	if opts.DelayMs > 0 {
		s.InterBatchDelay = time.Duration(opts.DelayMs) * time.Millisecond
	}
	return s
}

// runGroup dispatches the group as contiguous sub-batches and waits for all
// of them, writing verdicts back to their original positions.
func (o *Orchestrator) runGroup(ctx context.Context, addresses []string, g *domainGroup, concurrency int, opts verifier.Options, out []models.VerificationVerdict, done func(n int)) error {
	chunks := splitContiguous(g.indexes, concurrency)

	type landed struct {
		indexes  []int
		verdicts []models.VerificationVerdict
	}
	results := make(chan landed, len(chunks))

	for _, chunk := range chunks {
		batch := make([]string, len(chunk))
		for j, idx := range chunk {
			batch[j] = addresses[idx]
		}
		ch, err := o.pool.Submit(ctx, batch, opts)
		if err != nil {
			return err
		}
		go func(indexes []int) {
			results <- landed{indexes: indexes, verdicts: <-ch}
		}(chunk)
	}

	// Sub-batches may finish in any order.
	for range chunks {
		l := <-results
		for j, idx := range l.indexes {
			out[idx] = l.verdicts[j]
		}
		done(len(l.indexes))
	}
	return nil
}

// splitContiguous divides indexes into at most n contiguous runs of
// near-equal size.
func splitContiguous(indexes []int, n int) [][]int {
	if len(indexes) == 0 {
		return nil
	}
	if n <= 0 {
		n = 1
	}
	if n > len(indexes) {
		n = len(indexes)
	}
	chunks := make([][]int, 0, n)
	size, extra := len(indexes)/n, len(indexes)%n
	start := 0
	for i := 0; i < n; i++ {
		end := start + size
		if i < extra {
			end++
		}
		chunks = append(chunks, indexes[start:end])
		start = end
	}
	return chunks
}
