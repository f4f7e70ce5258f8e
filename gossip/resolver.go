package gossip

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// Resolver resolves an entrypoint host:port to one or more socket
// addresses.
type Resolver interface {
	Resolve(ctx context.Context, addr string) ([]string, error)
}

// netResolver resolves addresses using the system resolver.
type netResolver struct {
}

func NewNetResolver() Resolver {
	return &netResolver{}
}

func (r *netResolver) Resolve(ctx context.Context, addr string) ([]string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid addr: %s: %w", addr, err)
	}

	// If the address already contains an IP there is nothing to resolve.
	if ip := net.ParseIP(host); ip != nil {
		return []string{addr}, nil
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("lookup host: %s: %w", host, err)
	}

	var addrs []string
	for _, ip := range ips {
		addrs = append(addrs, net.JoinHostPort(ip.String(), port))
	}
	return addrs, nil
}

var _ Resolver = &netResolver{}

// dnsResolver resolves addresses by querying a specific DNS server rather
// than the system resolver, which is useful when the entrypoint records are
// only served by a private nameserver.
type dnsResolver struct {
	server string

	client *dns.Client
}

func NewDNSResolver(server string) Resolver {
	return &dnsResolver{
		server: server,
		client: &dns.Client{},
	}
}

func (r *dnsResolver) Resolve(ctx context.Context, addr string) ([]string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid addr: %s: %w", addr, err)
	}

	if ip := net.ParseIP(host); ip != nil {
		return []string{addr}, nil
	}

	var addrs []string
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)

		resp, _, err := r.client.ExchangeContext(ctx, m, r.server)
		if err != nil {
			return nil, fmt.Errorf("dns exchange: %s: %w", r.server, err)
		}

		for _, rr := range resp.Answer {
			switch record := rr.(type) {
			case *dns.A:
				addrs = append(addrs, net.JoinHostPort(record.A.String(), port))
			case *dns.AAAA:
				addrs = append(addrs, net.JoinHostPort(record.AAAA.String(), port))
			}
		}
	}

	if len(addrs) == 0 {
		return nil, fmt.Errorf("lookup host: %s: no records", host)
	}
	return addrs, nil
}

var _ Resolver = &dnsResolver{}
