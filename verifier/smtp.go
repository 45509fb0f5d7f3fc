package verifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"mailprobe/metrics"
	"mailprobe/models"
)

type ProbeConfig struct {
	HeloDomain string
	MailFrom   string
	Port       string
	// Timeout bounds the whole session, dial included.
	Timeout time.Duration
	// HostRate limits probes per second against one exchange host; zero
	// disables the limit.
	HostRate  float64
	HostBurst int
	Dial      func(ctx context.Context, network, address string) (net.Conn, error)
}

func (c *ProbeConfig) setDefaults() {
	if c.HeloDomain == "" {
		c.HeloDomain = "verify.mailprobe.local"
	}
	if c.MailFrom == "" {
		c.MailFrom = "probe@mailprobe.local"
	}
	if c.Port == "" {
		c.Port = "25"
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.HostBurst <= 0 {
		c.HostBurst = 1
	}
	if c.Dial == nil {
		dialer := &net.Dialer{}
		c.Dial = dialer.DialContext
	}
}

// ProbeResult is the classified answer to RCPT TO.
type ProbeResult struct {
	Outcome       models.Outcome
	Mailbox       models.MailboxStatus
	Confidence    models.Confidence
	Code          int
	Message       string
	PolicyBlocked bool
	CatchAll      bool
	Detail        string
}

func inconclusive(detail string) ProbeResult {
	return ProbeResult{
		Outcome:    models.OutcomeInconclusive,
		Mailbox:    models.MailboxUnknown,
		Confidence: models.ConfidenceUnknown,
		Detail:     detail,
	}
}

// Prober drives one SMTP dialogue per call:
// connect, 220, HELO, MAIL FROM, RCPT TO, QUIT.
type Prober struct {
	cfg    ProbeConfig
	logger *logrus.Entry

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewProber(cfg ProbeConfig, logger *logrus.Entry) *Prober {
	cfg.setDefaults()
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Prober{
		cfg:      cfg,
		logger:   logger.WithField("component", "smtp"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Probe asks host whether it accepts address. Transport failures of any
// kind are Inconclusive, never Fail. Enterprise-strict domains are not
// contacted at all. When detectCatchAll is set and the address is accepted,
// a random recipient on the same domain is tried in the same session.
func (p *Prober) Probe(ctx context.Context, host, address string, policy models.DomainPolicy, detectCatchAll bool) ProbeResult {
	if !policy.ProbeAllowed() {
		res := inconclusive("probing skipped for enterprise domain")
		res.PolicyBlocked = true
		return res
	}

	start := time.Now()
	res := p.probe(ctx, host, address, detectCatchAll)
	metrics.SMTPProbeDuration.Observe(time.Since(start).Seconds())
	metrics.SMTPProbes.WithLabelValues(string(res.Outcome)).Inc()

	p.logger.WithFields(logrus.Fields{
		"host":    host,
		"address": address,
		"outcome": res.Outcome,
		"code":    res.Code,
	}).Debug(res.Detail)
	return res
}

func (p *Prober) probe(ctx context.Context, host, address string, detectCatchAll bool) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if err := p.limiter(host).Wait(ctx); err != nil {
		return inconclusive("probe rate limit wait aborted: " + err.Error())
	}

	addr := net.JoinHostPort(host, p.cfg.Port)
	conn, err := p.cfg.Dial(ctx, "tcp", addr)
	if err != nil {
		return inconclusive("connect failed: " + err.Error())
	}
	defer conn.Close()

	// Any blocked read or write is released when the session deadline hits.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return classifyStep("greeting", err)
	}
	defer client.Close()

	if err := client.Hello(p.cfg.HeloDomain); err != nil {
		return classifyStep("HELO", err)
	}
	if err := client.Mail(p.cfg.MailFrom); err != nil {
		return classifyStep("MAIL FROM", err)
	}

	res := classifyRcpt(client.Rcpt(address))
	if res.Outcome == models.OutcomePass && detectCatchAll {
		if client.Rcpt(randomRecipient(address)) == nil {
			res = inconclusive("server accepts any recipient (catch-all)")
			res.Code = 250
			res.CatchAll = true
		}
	}

	_ = client.Quit()
	return res
}

func (p *Prober) limiter(host string) *rate.Limiter {
	if p.cfg.HostRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.cfg.HostRate), p.cfg.HostBurst)
		p.limiters[host] = l
	}
	return l
}

// classifyStep handles a failure before RCPT TO. Those never say anything
// about the mailbox.
func classifyStep(step string, err error) ProbeResult {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		res := inconclusive(fmt.Sprintf("%s rejected: %d %s", step, tpErr.Code, tpErr.Msg))
		res.Code = tpErr.Code
		res.Message = tpErr.Msg
		res.PolicyBlocked = tpErr.Code == 554 || mentionsPolicy(tpErr.Msg)
		return res
	}
	return inconclusive(fmt.Sprintf("%s failed: %v", step, err))
}

var (
	enhancedStatus = regexp.MustCompile(`\b5\.([0-7])\.[0-9]{1,3}\b`)

	unknownUserPhrases = []string{
		"user unknown", "unknown user", "no such user", "does not exist",
		"doesn't exist", "not exist", "mailbox not found",
		"recipient not found", "invalid recipient", "invalid mailbox",
		"unknown recipient", "recipient unknown", "no mailbox", "not a valid mailbox",
		"user not found", "no such recipient",
	}

	policyPhrases = []string{
		"spam", "blocked", "blacklist", "blocklist", "policy", "reputation",
		"spamhaus", "denied", "relay", "not permitted", "rbl",
	}
)

func mentionsPolicy(msg string) bool {
	msg = strings.ToLower(msg)
	for _, phrase := range policyPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// enhancedClass returns the subject digit of an RFC 3463 permanent status
// in msg (the 1 of 5.1.1), or -1 when there is none.
func enhancedClass(msg string) int {
	m := enhancedStatus.FindStringSubmatch(msg)
	if m == nil {
		return -1
	}
	return int(m[1][0] - '0')
}

func mentionsUnknownUser(msg string) bool {
	msg = strings.ToLower(msg)
	for _, phrase := range unknownUserPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// classifyRcpt maps the RCPT TO reply onto an outcome.
func classifyRcpt(err error) ProbeResult {
	if err == nil {
		return ProbeResult{
			Outcome:    models.OutcomePass,
			Mailbox:    models.MailboxExists,
			Confidence: models.ConfidenceHigh,
			Code:       250,
			Detail:     "Recipient accepted",
		}
	}

	var tpErr *textproto.Error
	if !errors.As(err, &tpErr) {
		return inconclusive("RCPT TO failed: " + err.Error())
	}

	code, msg := tpErr.Code, tpErr.Msg
	res := inconclusive(fmt.Sprintf("RCPT TO: %d %s", code, msg))
	res.Code = code
	res.Message = msg

	switch code {
	case 550, 551, 553:
		// Addressing (5.1.x) and delivery-refusal (5.2/5.3/5.4/5.7.x)
		// statuses decide; wording only counts for the rest.
		var unknownUser bool
		switch enhancedClass(msg) {
		case 1:
			unknownUser = true
		case 2, 3, 4, 7:
		default:
			unknownUser = !mentionsPolicy(msg) && mentionsUnknownUser(msg)
		}
		if unknownUser {
			return ProbeResult{
				Outcome:    models.OutcomeFail,
				Mailbox:    models.MailboxMissing,
				Confidence: models.ConfidenceHigh,
				Code:       code,
				Message:    msg,
				Detail:     fmt.Sprintf("Mailbox doesn't exist: %d %s", code, msg),
			}
		}
		res.PolicyBlocked = true
		res.Detail = fmt.Sprintf("Recipient rejected by policy: %d %s", code, msg)
	case 421, 450, 451, 452:
		res.Detail = fmt.Sprintf("Temporary failure: %d %s", code, msg)
	case 554:
		res.PolicyBlocked = true
		res.Detail = fmt.Sprintf("Transaction refused by policy: %d %s", code, msg)
	}
	return res
}

func randomRecipient(address string) string {
	domain := address[strings.LastIndex(address, "@")+1:]
	local := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return "mp" + local + "@" + domain
}
