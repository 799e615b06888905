package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/ruteri/gated-release/interfaces"
)

// DefaultResolverAddr is the local stub resolver.
const DefaultResolverAddr = "127.0.0.53:53"

// SRVTarget is one answer of an SRV lookup.
type SRVTarget struct {
	Host     string
	Port     uint16
	Priority uint16
	Weight   uint16
}

// Endpoint returns the target as an http base URL.
func (t SRVTarget) Endpoint() string {
	return "http://" + net.JoinHostPort(strings.TrimSuffix(t.Host, "."), strconv.Itoa(int(t.Port)))
}

// SRVResolver queries SRV records from a single DNS server.
type SRVResolver struct {
	server string
	client *dns.Client
}

func NewSRVResolver(server string, timeout time.Duration) *SRVResolver {
	if server == "" {
		server = DefaultResolverAddr
	}
	return &SRVResolver{
		server: server,
		client: &dns.Client{Timeout: timeout},
	}
}

// Resolve returns the SRV targets of name ordered by priority, then weight
// descending.
func (r *SRVResolver) Resolve(ctx context.Context, name string) ([]SRVTarget, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeSRV)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, fmt.Errorf("srv lookup %s: %w", name, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("srv lookup %s: %s", name, dns.RcodeToString[in.Rcode])
	}

	targets := make([]SRVTarget, 0, len(in.Answer))
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			targets = append(targets, SRVTarget{
				Host:     srv.Target,
				Port:     srv.Port,
				Priority: srv.Priority,
				Weight:   srv.Weight,
			})
		}
	}
	slices.SortStableFunc(targets, func(a, b SRVTarget) int {
		if a.Priority != b.Priority {
			return int(a.Priority) - int(b.Priority)
		}
		return int(b.Weight) - int(a.Weight)
	})
	return targets, nil
}

// Describer asks a custodian endpoint for its node record.
type Describer interface {
	Describe(ctx context.Context, endpoint string) (interfaces.CustodianNode, error)
}

// SRVSeeder registers every custodian published under a DNS SRV name.
type SRVSeeder struct {
	log       *slog.Logger
	resolver  *SRVResolver
	describer Describer
	registry  interfaces.NodeRegistry
}

func NewSRVSeeder(log *slog.Logger, resolver *SRVResolver, describer Describer, registry interfaces.NodeRegistry) *SRVSeeder {
	return &SRVSeeder{log: log, resolver: resolver, describer: describer, registry: registry}
}

// Seed resolves name and registers each reachable target. Unreachable targets
// are skipped; the error is non-nil only if no target could be registered.
func (s *SRVSeeder) Seed(ctx context.Context, name string) (int, error) {
	targets, err := s.resolver.Resolve(ctx, name)
	if err != nil {
		return 0, err
	}

	var errs []error
	registered := 0
	for _, target := range targets {
		endpoint := target.Endpoint()
		node, err := s.describer.Describe(ctx, endpoint)
		if err != nil {
			s.log.Warn("custodian did not describe itself", "err", err, slog.String("endpoint", endpoint))
			errs = append(errs, err)
			continue
		}
		node.Endpoint = endpoint
		node.Status = interfaces.NodeOnline
		node.LastSeen = time.Now()
		if err := s.registry.Register(ctx, node); err != nil {
			errs = append(errs, err)
			continue
		}
		registered++
	}

	if registered == 0 && len(errs) > 0 {
		return 0, fmt.Errorf("no custodian under %s could be registered: %w", name, errors.Join(errs...))
	}
	s.log.Info("seeded custodians from dns", slog.String("name", name), slog.Int("registered", registered), slog.Int("targets", len(targets)))
	return registered, nil
}
