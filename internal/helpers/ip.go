package helpers

import "net"

// IPClassification represents the security classification of an IP address.
// It backs the SSRF guard on wordpress_site redirect targets.
type IPClassification int

const (
	// IPClassificationPublic indicates a publicly routable IP address.
	IPClassificationPublic IPClassification = iota
	// IPClassificationLoopback indicates a loopback address (127.0.0.0/8, ::1).
	IPClassificationLoopback
	// IPClassificationPrivate indicates a private/internal address (RFC 1918, ULA).
	IPClassificationPrivate
	// IPClassificationLinkLocal indicates a link-local address (169.254.x.x, fe80::/10).
	IPClassificationLinkLocal
	// IPClassificationUnspecified indicates an unspecified address (0.0.0.0, ::).
	IPClassificationUnspecified
)

// String returns a human-readable name for the IP classification.
func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the security classification of an IP address.
//
// Classifications:
//   - Unspecified: 0.0.0.0, ::
//   - Loopback: 127.0.0.0/8, ::1
//   - LinkLocal: 169.254.0.0/16, fe80::/10 (cloud metadata SSRF risk)
//   - Private: RFC 1918 (10/8, 172.16/12, 192.168/16), fc00::/7
//   - Public: all other addresses
func ClassifyIP(ip net.IP) IPClassification {
	if ip == nil || ip.IsUnspecified() {
		return IPClassificationUnspecified
	}
	if ip.IsLoopback() {
		return IPClassificationLoopback
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return IPClassificationLinkLocal
	}
	if ip.IsPrivate() {
		return IPClassificationPrivate
	}
	return IPClassificationPublic
}

// ClassifyHost classifies a URL host when it is an IP literal. Hostnames
// return IPClassificationPublic; DNS-based SSRF protection is out of scope
// for the redirect guard.
func ClassifyHost(host string) IPClassification {
	ip := net.ParseIP(host)
	if ip == nil {
		return IPClassificationPublic
	}
	return ClassifyIP(ip)
}
