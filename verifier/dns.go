package verifier

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"mailprobe/metrics"
)

// Lookuper is the subset of DNS the resolver needs. *net.Resolver and
// *DNSClient both satisfy it.
type Lookuper interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// DNSClient queries one nameserver directly instead of going through the
// system resolver.
type DNSClient struct {
	client *dns.Client
	server string
}

// NewDNSClient targets server ("host" or "host:port"). An empty server means
// the first nameserver from /etc/resolv.conf.
func NewDNSClient(server string, timeout time.Duration) (*DNSClient, error) {
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("read resolv.conf: %w", err)
		}
		if len(conf.Servers) == 0 {
			return nil, fmt.Errorf("no nameservers in resolv.conf")
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	} else if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}

	return &DNSClient{
		client: &dns.Client{Timeout: timeout},
		server: server,
	}, nil
}

func (c *DNSClient) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	resp, _, err := c.client.ExchangeContext(ctx, msg, c.server)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s %s: %s", dns.TypeToString[qtype], name, dns.RcodeToString[resp.Rcode])
	}
	return resp, nil
}

func (c *DNSClient) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	resp, err := c.exchange(ctx, name, dns.TypeMX)
	if err != nil {
		return nil, err
	}

	var records []*net.MX
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			records = append(records, &net.MX{Host: mx.Mx, Pref: mx.Preference})
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})
	return records, nil
}

func (c *DNSClient) LookupHost(ctx context.Context, host string) ([]string, error) {
	var addrs []string
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := c.exchange(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				addrs = append(addrs, v.A.String())
			case *dns.AAAA:
				addrs = append(addrs, v.AAAA.String())
			}
		}
	}
	if len(addrs) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return addrs, nil
}

// MXResult answers "can this domain receive mail at all".
type MXResult struct {
	Domain string
	HasMX  bool
	// ExchangeHost is empty when HasMX came from the A-record fallback.
	ExchangeHost string
	Exchanges    []string
	ViaFallback  bool
	Detail       string
	ExpiresAt    time.Time
}

type ResolverConfig struct {
	Timeout     time.Duration
	CacheTTL    time.Duration
	NegativeTTL time.Duration
}

func (c *ResolverConfig) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 6 * time.Hour
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = 5 * time.Minute
	}
}

// Resolver wraps MX lookups with an A-record fallback and a read-through
// cache keyed by domain.
type Resolver struct {
	lookup Lookuper
	cfg    ResolverConfig
	logger *logrus.Entry
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]MXResult
	group singleflight.Group
}

func NewResolver(lookup Lookuper, cfg ResolverConfig, logger *logrus.Entry) *Resolver {
	cfg.setDefaults()
	if lookup == nil {
		lookup = net.DefaultResolver
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Resolver{
		lookup: lookup,
		cfg:    cfg,
		logger: logger.WithField("component", "dns"),
		now:    time.Now,
		cache:  make(map[string]MXResult),
	}
}

// ResolveMX never returns an error: every failure collapses to HasMX=false.
func (r *Resolver) ResolveMX(ctx context.Context, domain string) MXResult {
	domain = normalizeDomain(domain)

	r.mu.RLock()
	cached, ok := r.cache[domain]
	r.mu.RUnlock()
	if ok && r.now().Before(cached.ExpiresAt) {
		metrics.DNSLookups.WithLabelValues("hit").Inc()
		return cached
	}
	metrics.DNSLookups.WithLabelValues("miss").Inc()

	ch := r.group.DoChan(domain, func() (interface{}, error) {
		// Detached from the caller so one cancelled request does not poison
		// the shared lookup for the others.
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Timeout)
		defer cancel()

		res := r.resolve(lookupCtx, domain)
		ttl := r.cfg.CacheTTL
		if !res.HasMX {
			ttl = r.cfg.NegativeTTL
		}
		res.ExpiresAt = r.now().Add(ttl)

		r.mu.Lock()
		r.cache[domain] = res
		r.mu.Unlock()
		return res, nil
	})

	select {
	case <-ctx.Done():
		return MXResult{Domain: domain, Detail: "DNS lookup aborted: " + ctx.Err().Error()}
	case out := <-ch:
		return out.Val.(MXResult)
	}
}

func (r *Resolver) resolve(ctx context.Context, domain string) MXResult {
	res := MXResult{Domain: domain}

	records, err := r.lookup.LookupMX(ctx, domain)
	nullMX := false
	if err == nil {
		for _, mx := range records {
			host := strings.TrimSuffix(mx.Host, ".")
			// A null MX (RFC 7505) is "." and means no mail.
			if host == "" {
				nullMX = true
				continue
			}
			res.Exchanges = append(res.Exchanges, host)
		}
	}
	// The domain said it takes no mail; the A record doesn't change that.
	if nullMX && len(res.Exchanges) == 0 {
		res.Detail = "No MX records found for domain: domain publishes a null MX"
		return res
	}
	if len(res.Exchanges) > 0 {
		res.HasMX = true
		res.ExchangeHost = res.Exchanges[0]
		res.Detail = fmt.Sprintf("found %d MX record(s), primary %s", len(res.Exchanges), res.ExchangeHost)
		return res
	}

	mxErr := "no MX records"
	if err != nil {
		mxErr = err.Error()
	}
	r.logger.WithFields(logrus.Fields{"domain": domain, "error": mxErr}).Debug("MX lookup failed, trying A record")

	addrs, aErr := r.lookup.LookupHost(ctx, domain)
	if aErr == nil && len(addrs) > 0 {
		res.HasMX = true
		res.ViaFallback = true
		res.Detail = "no MX records, domain resolves to an address and may still accept mail"
		return res
	}

	res.Detail = "No MX records found for domain: " + mxErr
	return res
}

// Forget drops a cached entry.
func (r *Resolver) Forget(domain string) {
	r.mu.Lock()
	delete(r.cache, normalizeDomain(domain))
	r.mu.Unlock()
}

// CacheSize returns the number of cached domains, expired ones included.
func (r *Resolver) CacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
