package models

import (
	"fmt"
	"strings"
	"time"
)

// DomainPolicy decides whether SMTP probing is attempted for a domain and
// which scheduling strategy its addresses get.
type DomainPolicy int

const (
	PolicyStandard DomainPolicy = iota
	PolicyPublic
	PolicyEnterpriseStrict
)

func (p DomainPolicy) String() string {
	switch p {
	case PolicyPublic:
		return "public"
	case PolicyEnterpriseStrict:
		return "enterprise_strict"
	default:
		return "standard"
	}
}

func (p DomainPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *DomainPolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "public":
		*p = PolicyPublic
	case "enterprise_strict", "enterprise":
		*p = PolicyEnterpriseStrict
	case "standard", "":
		*p = PolicyStandard
	default:
		return fmt.Errorf("unknown domain policy %q", string(text))
	}
	return nil
}

// ProbeAllowed reports whether the policy permits SMTP probing at all.
func (p DomainPolicy) ProbeAllowed() bool {
	return p != PolicyEnterpriseStrict
}

// Strategy is the per-domain scheduling plan used by the batch orchestrator.
type Strategy struct {
	Concurrency     int           `yaml:"concurrency" json:"concurrency" validate:"min=1,max=100"`
	InterBatchDelay time.Duration `yaml:"delay" json:"inter_batch_delay"`
	SMTPEnabled     bool          `yaml:"smtp" json:"smtp_enabled"`
}

// StrategyTable maps each policy to its strategy.
type StrategyTable struct {
	EnterpriseStrict Strategy `yaml:"enterprise_strict" json:"enterprise_strict"`
	Public           Strategy `yaml:"public" json:"public"`
	Standard         Strategy `yaml:"standard" json:"standard"`
}

// DefaultStrategies: enterprise domains are pattern-only and fast, public
// providers are probed slowly, everything else sits in between.
func DefaultStrategies() StrategyTable {
	return StrategyTable{
		EnterpriseStrict: Strategy{Concurrency: 10, InterBatchDelay: 0, SMTPEnabled: false},
		Public:           Strategy{Concurrency: 2, InterBatchDelay: 2 * time.Second, SMTPEnabled: true},
		Standard:         Strategy{Concurrency: 5, InterBatchDelay: 500 * time.Millisecond, SMTPEnabled: true},
	}
}

// For returns the strategy for policy. Enterprise-strict domains never get
// SMTP regardless of what the table says.
func (t StrategyTable) For(policy DomainPolicy) Strategy {
	var s Strategy
	switch policy {
	case PolicyEnterpriseStrict:
		s = t.EnterpriseStrict
		s.SMTPEnabled = false
	case PolicyPublic:
		s = t.Public
	default:
		s = t.Standard
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 1
	}
	return s
}
