package wireguard

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver turns a peer endpoint host name into an IPv4 address.
type Resolver interface {
	LookupIPv4(ctx context.Context, host string) (string, error)
}

// DNSResolver asks one upstream server directly. Network namespaces cannot
// see the host's resolver configuration, so the lookup happens before the
// namespace exists.
type DNSResolver struct {
	server string
	client *dns.Client
}

func NewDNSResolver(server string) *DNSResolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &DNSResolver{
		server: server,
		client: &dns.Client{Timeout: 5 * time.Second},
	}
}

func (r *DNSResolver) LookupIPv4(ctx context.Context, host string) (string, error) {
	request := &dns.Msg{MsgHdr: dns.MsgHdr{RecursionDesired: true}}
	request.SetQuestion(dns.Fqdn(host), dns.TypeA)

	response, _, err := r.client.ExchangeContext(ctx, request, r.server)
	if err != nil {
		return "", fmt.Errorf("failed to query %s for %s: %w", r.server, host, err)
	}

	if response.Rcode != dns.RcodeSuccess {
		rcode, ok := dns.RcodeToString[response.Rcode]
		if !ok {
			rcode = fmt.Sprintf("rcode %d", response.Rcode)
		}
		return "", fmt.Errorf("lookup of %s failed: %s", host, rcode)
	}

	for _, answer := range response.Answer {
		if a, ok := answer.(*dns.A); ok {
			return a.A.String(), nil
		}
	}

	return "", fmt.Errorf("no A record for %s", host)
}
