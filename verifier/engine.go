package verifier

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"

	"mailprobe/metrics"
	"mailprobe/models"
)

// Options are the per-call switches for one verification.
type Options struct {
	EnableSMTP       bool
	DeepVerification bool
}

// MXResolver is satisfied by *Resolver.
type MXResolver interface {
	ResolveMX(ctx context.Context, domain string) MXResult
}

// MailboxProber is satisfied by *Prober.
type MailboxProber interface {
	Probe(ctx context.Context, host, address string, policy models.DomainPolicy, detectCatchAll bool) ProbeResult
}

type EngineConfig struct {
	Classifier *Classifier
	Patterns   *PatternEngine
	Resolver   MXResolver
	Prober     MailboxProber
	// Whois is only consulted in deep mode; nil disables it.
	Whois  WhoisLookup
	Logger *logrus.Entry
}

// Engine runs the per-address pipeline:
// format, MX, pattern, SMTP (conditional), synthesis.
type Engine struct {
	classifier *Classifier
	patterns   *PatternEngine
	resolver   MXResolver
	prober     MailboxProber
	whois      WhoisLookup
	logger     *logrus.Entry
	now        func() time.Time

	whoisMu    sync.Mutex
	whoisCache map[string]*models.DomainInfo
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultClassifier()
	}
	if cfg.Patterns == nil {
		cfg.Patterns = NewPatternEngine()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		classifier: cfg.Classifier,
		patterns:   cfg.Patterns,
		resolver:   cfg.Resolver,
		prober:     cfg.Prober,
		whois:      cfg.Whois,
		logger:     cfg.Logger.WithField("component", "engine"),
		now:        time.Now,
		whoisCache: make(map[string]*models.DomainInfo),
	}
}

func (e *Engine) Classifier() *Classifier  { return e.classifier }
func (e *Engine) Patterns() *PatternEngine { return e.patterns }

// verification accumulates checks for one address.
type verification struct {
	verdict models.VerificationVerdict
	now     func() time.Time
}

func (v *verification) check(method models.Method, outcome models.Outcome, confidence models.Confidence, detail string) {
	v.verdict.Checks = append(v.verdict.Checks, models.CheckResult{
		Method:     method,
		Outcome:    outcome,
		Confidence: confidence,
		Detail:     detail,
		Timestamp:  v.now(),
	})
}

func (v *verification) reason(format string, args ...interface{}) {
	v.verdict.Reasons = append(v.verdict.Reasons, fmt.Sprintf(format, args...))
}

// Verify always returns a verdict; DNS, socket and WHOIS errors are
// absorbed into the checks.
func (e *Engine) Verify(ctx context.Context, address string, opts Options) models.VerificationVerdict {
	v := e.run(ctx, address, opts)
	metrics.Verifications.WithLabelValues(strconv.FormatBool(v.Valid), string(v.Confidence)).Inc()
	return v
}

func (e *Engine) run(ctx context.Context, address string, opts Options) models.VerificationVerdict {
	candidate, err := models.ParseCandidate(address)
	v := &verification{
		verdict: models.VerificationVerdict{
			Address:       candidate.Address,
			Confidence:    models.ConfidenceUnknown,
			MailboxExists: models.MailboxUnknown,
			Reasons:       []string{},
			Checks:        []models.CheckResult{},
		},
		now: e.now,
	}
	log := e.logger.WithField("address", candidate.Address)

	// 1. Format
	if err == nil {
		err = checkmail.ValidateFormat(candidate.Address)
	}
	if err != nil {
		v.check(models.MethodFormat, models.OutcomeFail, models.ConfidenceHigh, "Invalid email format: "+err.Error())
		v.verdict.Valid = false
		v.verdict.Confidence = models.ConfidenceHigh
		v.verdict.MailboxExists = models.MailboxMissing
		v.reason("Invalid email format")
		log.Debug("rejected on format")
		return v.verdict
	}
	v.check(models.MethodFormat, models.OutcomePass, models.ConfidenceHigh, "address syntax is valid")

	domain := candidate.Domain
	policy := e.classifier.Classify(domain)
	v.verdict.IsEnterpriseDomain = policy == models.PolicyEnterpriseStrict

	if suggested, ok := e.classifier.SuggestTypo(domain); ok {
		v.reason("possible typo, did you mean %s@%s?", candidate.Username, suggested)
	}
	if e.classifier.IsDisposable(domain) {
		v.verdict.Disposable = true
		v.reason("disposable email domain")
	}

	// 2. MX
	mx := e.resolver.ResolveMX(ctx, domain)
	if !mx.HasMX {
		v.check(models.MethodMX, models.OutcomeFail, models.ConfidenceHigh, mx.Detail)
		v.verdict.Valid = false
		v.verdict.Confidence = models.ConfidenceHigh
		v.verdict.MailboxExists = models.MailboxMissing
		v.reason("No MX records found for domain %s", domain)
		log.Debug("rejected: no MX")
		return v.verdict
	}
	mxConfidence := models.ConfidenceHigh
	if mx.ViaFallback {
		mxConfidence = models.ConfidenceMedium
	}
	v.check(models.MethodMX, models.OutcomePass, mxConfidence, mx.Detail)

	if opts.DeepVerification {
		v.verdict.DomainInfo = e.domainInfo(ctx, domain)
	}

	// 3. Pattern. A domain's learned conventions win over a generic hit.
	learned := e.patterns.LookupLearned(domain, candidate.Username)
	pattern := learned
	if pattern == nil {
		pattern = e.patterns.Detect(candidate.Username)
	}
	var patternConfidence models.Confidence
	if pattern != nil {
		patternConfidence = pattern.Confidence
		detail := fmt.Sprintf("username matches %s", pattern.Name)
		if learned != nil {
			patternConfidence = models.ConfidenceHigh
			detail += " (learned for this domain)"
		}
		v.check(models.MethodPattern, models.OutcomePass, patternConfidence, detail)
		v.verdict.MatchedPattern = pattern.Name
		if learned == nil && pattern.Confidence == models.ConfidenceHigh {
			e.patterns.RecordObservedMatch(domain, pattern)
		}
	} else {
		v.check(models.MethodPattern, models.OutcomeInconclusive, models.ConfidenceUnknown, "username matches no known convention")
	}

	// 4. SMTP
	var probe *ProbeResult
	switch {
	case !policy.ProbeAllowed():
		v.reason("SMTP probing skipped for enterprise domain")
	case !opts.EnableSMTP || e.prober == nil:
		v.reason("SMTP verification disabled")
	default:
		host := mx.ExchangeHost
		if host == "" {
			host = domain
		}
		res := e.prober.Probe(ctx, host, candidate.Address, policy, opts.DeepVerification)
		probe = &res
		v.check(models.MethodSMTP, res.Outcome, res.Confidence, res.Detail)
		v.verdict.CatchAll = res.CatchAll
		if res.Outcome == models.OutcomePass {
			e.patterns.Confirm(domain, candidate.Username)
		}
	}

	e.synthesize(v, policy, probe, pattern, patternConfidence, learned != nil)
	log.WithFields(logrus.Fields{
		"valid":      v.verdict.Valid,
		"confidence": v.verdict.Confidence,
		"pattern":    v.verdict.MatchedPattern,
	}).Debug("verified")
	return v.verdict
}

// synthesize applies the verdict rules in priority order. The domain is
// known to accept mail at this point.
func (e *Engine) synthesize(v *verification, policy models.DomainPolicy, probe *ProbeResult, pattern *Pattern, patternConfidence models.Confidence, learned bool) {
	capped := patternConfidence
	if !learned {
		capped = patternConfidence.Cap(models.ConfidenceMedium)
	}
	out := &v.verdict

	switch {
	case probe != nil && probe.Outcome == models.OutcomePass:
		out.Valid = true
		out.Confidence = models.ConfidenceHigh
		out.MailboxExists = models.MailboxExists
		v.reason("SMTP server accepted the recipient")

	case probe != nil && probe.Outcome == models.OutcomeFail && pattern == nil:
		out.Valid = false
		out.Confidence = models.ConfidenceHigh
		out.MailboxExists = models.MailboxMissing
		v.reason("SMTP server rejected the recipient: mailbox does not exist")

	case probe != nil && probe.Outcome == models.OutcomeFail:
		// Tarpitting servers produce many false rejections; a conventional
		// corporate username outweighs the probe. Tunable product decision.
		out.Valid = true
		out.Confidence = capped
		out.MailboxExists = models.MailboxUnknown
		v.reason("SMTP rejected the recipient but username matches %s pattern; pattern evidence overrides the probe", pattern.Name)

	case pattern != nil:
		out.Valid = true
		out.Confidence = capped
		if probe != nil && probe.CatchAll {
			v.reason("catch-all domain, mailbox cannot be confirmed")
		}
		v.reason("username matches %s pattern", pattern.Name)

	case policy == models.PolicyEnterpriseStrict:
		out.Valid = true
		out.Confidence = models.ConfidenceMedium
		v.reason("enterprise domain with valid MX, unable to confirm mailbox")

	default:
		out.Valid = true
		out.Confidence = models.ConfidenceLow
		v.reason("domain accepts mail, no further signal available")
	}
}

func (e *Engine) domainInfo(ctx context.Context, domain string) *models.DomainInfo {
	if e.whois == nil {
		return nil
	}

	e.whoisMu.Lock()
	info, ok := e.whoisCache[domain]
	e.whoisMu.Unlock()
	if ok {
		return info
	}

	info, err := e.whois(ctx, domain)
	if err != nil {
		e.logger.WithFields(logrus.Fields{"domain": domain, "error": err}).Debug("whois lookup failed")
		return nil
	}

	e.whoisMu.Lock()
	e.whoisCache[domain] = info
	e.whoisMu.Unlock()
	return info
}
