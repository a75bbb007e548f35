// Package security guards outbound navigation against SSRF: before any
// NAVIGATE action is dispatched to a ghost context, the target URL must
// clear a private/reserved IP range check.
package security

import (
	"context"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/ghosttab/orchestrator/internal/ghosterrors"
)

// privateRanges are the private and reserved IP ranges a NAVIGATE target
// must not resolve to.
var privateRanges []*net.IPNet

func init() {
	cidrs := []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16", // includes cloud metadata endpoints
		"100.64.0.0/10",
		"0.0.0.0/8",
		"224.0.0.0/4",

		"::1/128",
		"fe80::/10",
		"fc00::/7",
		"ff00::/8",
	}

	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("security: invalid CIDR literal: " + cidr)
		}
		privateRanges = append(privateRanges, ipNet)
	}
}

var blockedHostnames = map[string]bool{
	"localhost": true,
}

// IsPrivateIP reports whether ip falls in a private or reserved range.
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, ipNet := range privateRanges {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// dnsLookupTimeout bounds the resolver call inside Guard.
const dnsLookupTimeout = 5 * time.Second

// Guard validates a NAVIGATE target before a driver is asked to load it.
// It rejects private/reserved IP literals and blocked hostnames outright
// (public IP literals pass without a lookup), then resolves
// domain names and rejects any resolved address in a private range. A DNS
// failure is not treated as an SSRF signal; it is left for the driver's
// navigate call to surface as a NETWORK error.
func Guard(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ghosterrors.Validation("malformed navigate target: " + err.Error())
	}

	host := u.Hostname()
	if host == "" {
		return ghosterrors.Validation("navigate target has no hostname")
	}

	if blockedHostnames[strings.ToLower(host)] {
		return ghosterrors.Validation("hostname is not allowed: " + host).WithURL(rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return ghosterrors.Validation("target IP is in a private/reserved range").WithURL(rawURL)
		}
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, dnsLookupTimeout)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupIPAddr(lookupCtx, host)
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		if IsPrivateIP(addr.IP) {
			return ghosterrors.Validation("hostname resolves to a private/reserved IP: " + host).WithURL(rawURL)
		}
	}
	return nil
}
