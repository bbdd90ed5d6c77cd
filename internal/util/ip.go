package util

import "net"

// IPClassification is the security classification of an IP address, used
// for SSRF protection when validating redirect URIs.
type IPClassification int

const (
	// IPClassificationPublic indicates a publicly routable address.
	IPClassificationPublic IPClassification = iota
	// IPClassificationLoopback indicates 127.0.0.0/8 or ::1.
	IPClassificationLoopback
	// IPClassificationPrivate indicates RFC 1918 or fc00::/7.
	IPClassificationPrivate
	// IPClassificationLinkLocal indicates 169.254.0.0/16 or fe80::/10.
	IPClassificationLinkLocal
	// IPClassificationUnspecified indicates 0.0.0.0 or ::.
	IPClassificationUnspecified
)

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
// Link-local is checked before private so that 169.254.169.254 (cloud
// metadata) is reported as link-local.
func ClassifyIP(ip net.IP) IPClassification {
	switch {
	case ip == nil, ip.IsUnspecified():
		return IPClassificationUnspecified
	case ip.IsLoopback():
		return IPClassificationLoopback
	case IsLinkLocal(ip):
		return IPClassificationLinkLocal
	case ip.IsPrivate():
		return IPClassificationPrivate
	default:
		return IPClassificationPublic
	}
}

// IsLinkLocal reports whether ip is link-local unicast or multicast.
// Covers 169.254.0.0/16, fe80::/10, and ff02::/16.
func IsLinkLocal(ip net.IP) bool {
	return ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// IsLoopbackHostname reports whether hostname names a loopback address.
// Accepts "localhost", any 127.0.0.0/8 address, ::1, and the bracketed
// IPv6 form. 0.0.0.0 is unspecified, not loopback.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}

	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		hostname = hostname[1 : len(hostname)-1]
	}

	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
