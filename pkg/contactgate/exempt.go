package contactgate

import (
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ParseCIDRs parses a list of CIDR strings such as 10.0.0.0/8
func ParseCIDRs(strs []string) ([]net.IPNet, error) {
	out := []net.IPNet{}
	for _, str := range strs {
		_, cidr, err := net.ParseCIDR(str)
		if err != nil {
			return nil, errors.Wrapf(err, "error parsing cidr %v", str)
		}
		out = append(out, *cidr)
	}

	return out, nil
}

func NewExempter(exempt []net.IPNet, logger logrus.FieldLogger) *Exempter {
	return &Exempter{exempt: exempt, logger: logger}
}

// Exempter admits identities from trusted networks, such as uptime probes,
// without counting them
type Exempter struct {
	exempt []net.IPNet
	logger logrus.FieldLogger
}

func (e *Exempter) IsExempt(identity string) bool {
	if e == nil || len(e.exempt) == 0 {
		return false
	}

	ip := net.ParseIP(identity)
	if ip == nil {
		return false
	}

	for _, cidr := range e.exempt {
		if cidr.Contains(ip) {
			e.logger.Debugf("Found %v in exempt cidr %v", ip, cidr.String())
			return true
		}
	}

	return false
}
