package resolver

import (
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

const fallbackServer = "8.8.8.8:53"

// DNSResolver answers A-record lookups synchronously. Blocking is fine
// here: each remote session runs on its own goroutine.
type DNSResolver struct {
	client  *dns.Client
	servers []string
}

func New() *DNSResolver {
	r := &DNSResolver{
		client: &dns.Client{Timeout: 5 * time.Second},
	}
	if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
		for _, s := range conf.Servers {
			r.servers = append(r.servers, net.JoinHostPort(s, conf.Port))
		}
	}
	if len(r.servers) == 0 {
		r.servers = []string{fallbackServer}
	}
	return r
}

// Resolve returns a dotted IPv4 address for host. Numeric IPv4 input
// passes through without a query.
func (r *DNSResolver) Resolve(host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4.String(), nil
		}
		return "", fmt.Errorf("not an IPv4 address: %s", host)
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.client.Exchange(m, server)
		if err != nil {
			lastErr = err
			continue
		}
		for _, ans := range in.Answer {
			if a, ok := ans.(*dns.A); ok {
				return a.A.String(), nil
			}
		}
		lastErr = fmt.Errorf("no A records for %s", host)
	}
	return "", fmt.Errorf("resolve %s: %w", host, lastErr)
}
