package verifier

import (
	"strings"

	"golang.org/x/net/publicsuffix"

	"mailprobe/models"
)

var (
	// Gateways that reject or black-hole RCPT probing.
	defaultEnterpriseDomains = []string{
		"microsoft.com", "google.com", "apple.com", "amazon.com", "meta.com",
		"facebook.com", "ibm.com", "oracle.com", "salesforce.com", "intel.com",
		"cisco.com", "adobe.com", "netflix.com", "linkedin.com", "twitter.com",
		"uber.com", "airbnb.com", "paypal.com", "accenture.com", "deloitte.com",
		"pwc.com", "ey.com", "kpmg.com", "mckinsey.com", "goldmansachs.com",
		"jpmorgan.com", "morganstanley.com",
	}

	// Major free email providers
	defaultPublicDomains = []string{
		"gmail.com", "googlemail.com", "yahoo.com", "outlook.com", "hotmail.com",
		"live.com", "msn.com", "aol.com", "protonmail.com", "proton.me",
		"icloud.com", "me.com", "mail.com", "yandex.com", "zoho.com", "gmx.com",
	}

	defaultDisposableDomains = []string{
		"mailinator.com", "tempmail.org", "10minutemail.com", "guerrillamail.com",
		"trashmail.com", "temp-mail.org", "yopmail.com", "maildrop.cc",
		"dispostable.com", "fakeinbox.com", "throwawaymail.com", "mailnesia.com",
		"getairmail.com", "mytemp.email", "temp-mail.io", "discard.email",
		"sharklasers.com", "spam4.me", "mailcatch.com", "tempinbox.com",
	}

	// Common email typos
	commonTypos = map[string]string{
		"gmai.com":   "gmail.com",
		"gmal.com":   "gmail.com",
		"gmail.co":   "gmail.com",
		"gmial.com":  "gmail.com",
		"yaho.com":   "yahoo.com",
		"hotmai.com": "hotmail.com",
		"outlok.com": "outlook.com",
	}
)

// Classifier maps a domain to its handling policy. It is read-only after
// construction and safe for concurrent use.
type Classifier struct {
	enterprise map[string]struct{}
	public     map[string]struct{}
	disposable map[string]struct{}
}

// NewClassifier builds a classifier from explicit lists. Nil lists fall back
// to the built-in defaults; empty non-nil lists disable that category.
func NewClassifier(enterprise, public, disposable []string) *Classifier {
	if enterprise == nil {
		enterprise = defaultEnterpriseDomains
	}
	if public == nil {
		public = defaultPublicDomains
	}
	if disposable == nil {
		disposable = defaultDisposableDomains
	}
	return &Classifier{
		enterprise: toSet(enterprise),
		public:     toSet(public),
		disposable: toSet(disposable),
	}
}

// DefaultClassifier uses the built-in domain lists.
func DefaultClassifier() *Classifier {
	return NewClassifier(nil, nil, nil)
}

// Classify returns the policy for domain. Matching is case-insensitive and
// exact, retried once against the registrable domain; anything unknown is
// PolicyStandard.
func (c *Classifier) Classify(domain string) models.DomainPolicy {
	for _, d := range candidateDomains(domain) {
		if _, ok := c.enterprise[d]; ok {
			return models.PolicyEnterpriseStrict
		}
		if _, ok := c.public[d]; ok {
			return models.PolicyPublic
		}
	}
	return models.PolicyStandard
}

// IsDisposable reports whether domain belongs to a throwaway mail service.
func (c *Classifier) IsDisposable(domain string) bool {
	for _, d := range candidateDomains(domain) {
		if _, ok := c.disposable[d]; ok {
			return true
		}
	}
	return false
}

// SuggestTypo returns the likely intended domain for a common misspelling.
func (c *Classifier) SuggestTypo(domain string) (string, bool) {
	suggested, ok := commonTypos[normalizeDomain(domain)]
	return suggested, ok
}

func candidateDomains(domain string) []string {
	domain = normalizeDomain(domain)
	if domain == "" {
		return nil
	}
	out := []string{domain}
	if root, err := publicsuffix.EffectiveTLDPlusOne(domain); err == nil && root != domain {
		out = append(out, root)
	}
	return out
}

func normalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

func toSet(domains []string) map[string]struct{} {
	set := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		d = normalizeDomain(d)
		if d != "" {
			set[d] = struct{}{}
		}
	}
	return set
}
