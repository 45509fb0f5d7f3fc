package verifier

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"mailprobe/models"
)

// Pattern is a known username convention.
type Pattern struct {
	Name       string
	Confidence models.Confidence
	// LearnedOnly shapes are too broad to detect on their own; they only
	// count once a domain has been seen to use them.
	LearnedOnly bool
	re          *regexp.Regexp
}

// Match reports whether username (already lower-cased) follows the pattern.
func (p *Pattern) Match(username string) bool {
	return p.re.MatchString(username)
}

// patternCatalog is evaluated in order: most specific shapes first.
var patternCatalog = []*Pattern{
	{Name: "first.last", Confidence: models.ConfidenceHigh, re: regexp.MustCompile(`^[a-z]{2,}\.[a-z]{2,}$`)},
	{Name: "first_last", Confidence: models.ConfidenceHigh, re: regexp.MustCompile(`^[a-z]{2,}_[a-z]{2,}$`)},
	{Name: "first-last", Confidence: models.ConfidenceMedium, re: regexp.MustCompile(`^[a-z]{2,}-[a-z]{2,}$`)},
	{Name: "f.last", Confidence: models.ConfidenceMedium, re: regexp.MustCompile(`^[a-z]\.[a-z]{2,}$`)},
	{Name: "first.l", Confidence: models.ConfidenceMedium, re: regexp.MustCompile(`^[a-z]{2,}\.[a-z]$`)},
	{Name: "flast", Confidence: models.ConfidenceMedium, LearnedOnly: true, re: regexp.MustCompile(`^[a-z]{4,9}$`)},
	{Name: "firstlast", Confidence: models.ConfidenceLow, re: regexp.MustCompile(`^[a-z]{6,}$`)},
	{Name: "first", Confidence: models.ConfidenceLow, re: regexp.MustCompile(`^[a-z]{2,5}$`)},
}

// Catalog returns the fixed pattern catalog in priority order.
func Catalog() []*Pattern {
	out := make([]*Pattern, len(patternCatalog))
	copy(out, patternCatalog)
	return out
}

// PatternByName looks up a catalog entry.
func PatternByName(name string) *Pattern {
	for _, p := range patternCatalog {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// PatternEngine detects username conventions and remembers which ones each
// domain has been seen to use. The learned set only grows for the lifetime
// of the engine; its size per domain is bounded by the catalog.
type PatternEngine struct {
	mu      sync.RWMutex
	learned map[string]map[string]struct{}
}

func NewPatternEngine() *PatternEngine {
	return &PatternEngine{learned: make(map[string]map[string]struct{})}
}

// Detect returns the first catalog pattern username follows, or nil.
// Learned-only shapes are skipped.
func (e *PatternEngine) Detect(username string) *Pattern {
	username = strings.ToLower(username)
	for _, p := range patternCatalog {
		if !p.LearnedOnly && p.Match(username) {
			return p
		}
	}
	return nil
}

// RecordObservedMatch adds p to the learned set for domain. Repeated calls
// are no-ops.
func (e *PatternEngine) RecordObservedMatch(domain string, p *Pattern) {
	if p == nil {
		return
	}
	domain = normalizeDomain(domain)

	e.mu.RLock()
	_, known := e.learned[domain][p.Name]
	e.mu.RUnlock()
	if known {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.learned[domain]
	if !ok {
		set = make(map[string]struct{})
		e.learned[domain] = set
	}
	set[p.Name] = struct{}{}
}

// Confirm records every shape a username the mail server accepted follows.
// A single-token name like jdoe can't be told apart from a short first
// name, so both conventions are learned for the domain.
func (e *PatternEngine) Confirm(domain, username string) []string {
	username = strings.ToLower(username)
	var names []string
	for _, p := range patternCatalog {
		if p.Match(username) {
			e.RecordObservedMatch(domain, p)
			names = append(names, p.Name)
		}
	}
	return names
}

// LookupLearned checks username against only the patterns learned for domain.
func (e *PatternEngine) LookupLearned(domain, username string) *Pattern {
	domain = normalizeDomain(domain)
	username = strings.ToLower(username)

	e.mu.RLock()
	defer e.mu.RUnlock()
	set := e.learned[domain]
	if len(set) == 0 {
		return nil
	}
	for _, p := range patternCatalog {
		if _, ok := set[p.Name]; ok && p.Match(username) {
			return p
		}
	}
	return nil
}

// Learned lists the pattern names learned for domain, sorted.
func (e *PatternEngine) Learned(domain string) []string {
	domain = normalizeDomain(domain)

	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.learned[domain]))
	for name := range e.learned[domain] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
