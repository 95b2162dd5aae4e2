package contactgate

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
)

// LoopbackIdentity is returned when no request source yields a valid address.
// Every such request shares one bucket.
const LoopbackIdentity = "127.0.0.1"

// CandidateExtractor pulls one candidate address out of a request. The
// candidate is validated by the IdentityResolver, extractors only select it.
type CandidateExtractor interface {
	Extract(header http.Header, remoteAddr string) string
}

// HeaderExtractor reads a single value header
type HeaderExtractor string

func (h HeaderExtractor) Extract(header http.Header, remoteAddr string) string {
	return strings.TrimSpace(header.Get(string(h)))
}

// ForwardedForExtractor reads the first entry of a comma separated proxy chain
type ForwardedForExtractor string

func (f ForwardedForExtractor) Extract(header http.Header, remoteAddr string) string {
	value := header.Get(string(f))
	if len(value) == 0 {
		return ""
	}

	first := strings.SplitN(value, ",", 2)[0]
	return strings.TrimSpace(first)
}

// RemoteAddrExtractor uses the address of the connection itself
type RemoteAddrExtractor struct{}

func (RemoteAddrExtractor) Extract(header http.Header, remoteAddr string) string {
	return strings.TrimSpace(remoteAddr)
}

// IdentityResolver derives a ClientIdentity from an ordered list of
// extractors. The first candidate that validates wins.
type IdentityResolver struct {
	Extractors []CandidateExtractor
}

func NewIdentityResolver(extractors ...CandidateExtractor) *IdentityResolver {
	return &IdentityResolver{Extractors: extractors}
}

// DefaultIdentityResolver trusts the CDN connecting-ip header first and the
// raw connection last.
func DefaultIdentityResolver() *IdentityResolver {
	return NewIdentityResolver(
		HeaderExtractor("Cf-Connecting-Ip"),
		ForwardedForExtractor("X-Forwarded-For"),
		HeaderExtractor("X-Real-Ip"),
		HeaderExtractor("X-Client-Ip"),
		HeaderExtractor("Remote-Addr"),
		RemoteAddrExtractor{},
	)
}

// Resolve never fails. Invalid candidates are skipped and LoopbackIdentity
// is returned when nothing validates.
func (ir *IdentityResolver) Resolve(header http.Header, remoteAddr string) string {
	for _, extractor := range ir.Extractors {
		candidate := StripPort(extractor.Extract(header, remoteAddr))
		if len(candidate) == 0 {
			continue
		}

		if IsValidIPv4(candidate) || IsValidIPv6(candidate) {
			return NormalizeIP(candidate)
		}
	}

	return LoopbackIdentity
}

// ResolveRequest is Resolve over an *http.Request
func (ir *IdentityResolver) ResolveRequest(req *http.Request) string {
	return ir.Resolve(req.Header, req.RemoteAddr)
}

// StripPort removes a trailing port from "[v6]:port" and "v4:port" forms.
// Bare IPv6 addresses are returned untouched.
func StripPort(candidate string) string {
	candidate = strings.TrimSpace(candidate)

	if strings.HasPrefix(candidate, "[") {
		if host, _, err := net.SplitHostPort(candidate); err == nil {
			return host
		}
		if end := strings.Index(candidate, "]"); end > 0 {
			return candidate[1:end]
		}
		return candidate
	}

	if strings.Count(candidate, ":") == 1 {
		host, port, err := net.SplitHostPort(candidate)
		if err == nil && isPort(port) {
			return host
		}
	}

	return candidate
}

func isPort(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n >= 0 && n <= 65535
}

// IsValidIPv4 reports whether s is four dot separated decimal octets in [0,255]
func IsValidIPv4(s string) bool {
	octets := strings.Split(s, ".")
	if len(octets) != 4 {
		return false
	}

	for _, octet := range octets {
		if len(octet) == 0 || len(octet) > 3 {
			return false
		}
		for _, c := range octet {
			if c < '0' || c > '9' {
				return false
			}
		}
		n, err := strconv.Atoi(octet)
		if err != nil || n > 255 {
			return false
		}
	}

	return true
}

// IsValidIPv6 accepts full and compressed forms. An embedded IPv4 tail, as in
// ::ffff:192.0.2.1, must itself be a valid IPv4 address. Zones are rejected.
func IsValidIPv6(s string) bool {
	if !strings.Contains(s, ":") || strings.Contains(s, "%") {
		return false
	}

	if i := strings.LastIndex(s, ":"); strings.Contains(s[i+1:], ".") && !IsValidIPv4(s[i+1:]) {
		return false
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return false
	}

	return addr.Is6()
}

// NormalizeIP collapses IPv4-mapped IPv6 addresses to IPv4 and lowercases
// IPv6. Candidates that do not parse are returned unchanged.
func NormalizeIP(s string) string {
	if IsValidIPv4(s) {
		// leading zeros are accepted by IsValidIPv4 but not by netip
		octets := strings.Split(s, ".")
		for i, octet := range octets {
			n, _ := strconv.Atoi(octet)
			octets[i] = strconv.Itoa(n)
		}
		return strings.Join(octets, ".")
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return strings.ToLower(s)
	}

	return addr.Unmap().String()
}

var privateNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

// IsPrivateIP reports whether ip belongs to a loopback, private, link-local
// or carrier-grade NAT range
func IsPrivateIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}

	for _, cidr := range privateNetworks {
		if cidr.Contains(parsed) {
			return true
		}
	}

	return false
}

func mustParseCIDRs(strs ...string) []net.IPNet {
	out := []net.IPNet{}
	for _, str := range strs {
		_, cidr, err := net.ParseCIDR(str)
		if err != nil {
			panic(err)
		}
		out = append(out, *cidr)
	}
	return out
}

type identityContextKey struct{}

// WithIdentity stores a resolved identity on the context
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext returns the identity stored by the RequestGate
func IdentityFromContext(ctx context.Context) (string, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(string)
	return identity, ok
}
