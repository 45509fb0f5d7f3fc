package models

import (
	"errors"
	"strings"
	"time"
)

var ErrInvalidFormat = errors.New("invalid email format")

// Confidence is the strength of a single check or of a final verdict.
type Confidence string

const (
	ConfidenceHigh    Confidence = "high"
	ConfidenceMedium  Confidence = "medium"
	ConfidenceLow     Confidence = "low"
	ConfidenceUnknown Confidence = "unknown"
)

// Rank orders confidences so they can be compared and capped.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// Cap returns c lowered to max when it ranks above it.
func (c Confidence) Cap(max Confidence) Confidence {
	if c.Rank() > max.Rank() {
		return max
	}
	return c
}

// Outcome of a single verification technique.
type Outcome string

const (
	OutcomePass         Outcome = "pass"
	OutcomeFail         Outcome = "fail"
	OutcomeInconclusive Outcome = "inconclusive"
)

// Method identifies the verification technique a CheckResult came from.
type Method string

const (
	MethodFormat  Method = "format"
	MethodMX      Method = "mx"
	MethodSMTP    Method = "smtp"
	MethodPattern Method = "pattern"
)

// MailboxStatus is the tri-state answer to "does this mailbox exist".
type MailboxStatus string

const (
	MailboxExists  MailboxStatus = "yes"
	MailboxMissing MailboxStatus = "no"
	MailboxUnknown MailboxStatus = "unknown"
)

// EmailCandidate is a parsed address handed in by the candidate generator.
type EmailCandidate struct {
	Address  string `json:"address"`
	Username string `json:"username"`
	Domain   string `json:"domain"`
}

// ParseCandidate lower-cases and splits an address on its last '@'.
func ParseCandidate(address string) (EmailCandidate, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return EmailCandidate{Address: address}, ErrInvalidFormat
	}

	return EmailCandidate{
		Address:  address,
		Username: address[:at],
		Domain:   address[at+1:],
	}, nil
}

// CheckResult records one technique run against a candidate. Checks are
// appended in the order they ran and never modified afterwards.
type CheckResult struct {
	Method     Method     `json:"method"`
	Outcome    Outcome    `json:"outcome"`
	Confidence Confidence `json:"confidence"`
	Detail     string     `json:"detail"`
	Timestamp  time.Time  `json:"timestamp"`
}

// DomainInfo is registration data gathered during deep verification.
type DomainInfo struct {
	Registrar      string `json:"registrar,omitempty"`
	CreatedDate    string `json:"created_date,omitempty"`
	ExpirationDate string `json:"expiration_date,omitempty"`
}

// VerificationVerdict is the per-address result returned to callers.
type VerificationVerdict struct {
	Address            string        `json:"address"`
	Valid              bool          `json:"valid"`
	Confidence         Confidence    `json:"confidence"`
	MailboxExists      MailboxStatus `json:"mailbox_exists"`
	Reasons            []string      `json:"reasons"`
	MatchedPattern     string        `json:"matched_pattern,omitempty"`
	IsEnterpriseDomain bool          `json:"is_enterprise_domain"`
	CatchAll           bool          `json:"catch_all,omitempty"`
	Disposable         bool          `json:"disposable,omitempty"`
	DomainInfo         *DomainInfo   `json:"domain_info,omitempty"`
	Checks             []CheckResult `json:"checks"`
}

// HasCheck reports whether a check with the given method and outcome was recorded.
// An empty outcome matches any outcome.
func (v VerificationVerdict) HasCheck(method Method, outcome Outcome) bool {
	for _, c := range v.Checks {
		if c.Method == method && (outcome == "" || c.Outcome == outcome) {
			return true
		}
	}
	return false
}

// Check returns the first check recorded for method.
func (v VerificationVerdict) Check(method Method) (CheckResult, bool) {
	for _, c := range v.Checks {
		if c.Method == method {
			return c, true
		}
	}
	return CheckResult{}, false
}

// FailedVerdict is produced when processing an address faults unexpectedly.
func FailedVerdict(address string) VerificationVerdict {
	return VerificationVerdict{
		Address:       strings.ToLower(strings.TrimSpace(address)),
		Valid:         false,
		Confidence:    ConfidenceUnknown,
		MailboxExists: MailboxUnknown,
		Reasons:       []string{"processing failed"},
		Checks:        []CheckResult{},
	}
}
