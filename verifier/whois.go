package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"

	"mailprobe/models"
)

// WhoisLookup fetches registration data for a domain.
type WhoisLookup func(ctx context.Context, domain string) (*models.DomainInfo, error)

// NewWhoisLookup queries public WHOIS servers with a per-query timeout.
func NewWhoisLookup(timeout time.Duration) WhoisLookup {
	client := whois.NewClient().SetTimeout(timeout)

	return func(ctx context.Context, domain string) (*models.DomainInfo, error) {
		type reply struct {
			raw string
			err error
		}
		ch := make(chan reply, 1)
		go func() {
			raw, err := client.Whois(domain)
			ch <- reply{raw, err}
		}()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-ch:
			if r.err != nil {
				return nil, fmt.Errorf("whois %s: %w", domain, r.err)
			}
			return parseWhois(r.raw)
		}
	}
}

func parseWhois(raw string) (*models.DomainInfo, error) {
	parsed, err := whoisparser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse whois: %w", err)
	}

	info := &models.DomainInfo{}
	if parsed.Domain != nil {
		info.CreatedDate = parsed.Domain.CreatedDate
		info.ExpirationDate = parsed.Domain.ExpirationDate
	}
	if parsed.Registrar != nil {
		info.Registrar = parsed.Registrar.Name
	}
	return info, nil
}
