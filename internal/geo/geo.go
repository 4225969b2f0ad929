// Package geo resolves source addresses to locations. Lookups run against
// external HTTP providers with a small cache in front; anything that cannot
// be resolved gets the Unknown sentinel so the pipeline never stalls on a
// failed lookup.
package geo

import (
	"context"
	"net"
)

// Location is the geolocation result for one address.
type Location struct {
	IP        string  `json:"ip"`
	Country   string  `json:"country"`
	Region    string  `json:"region"`
	City      string  `json:"city"`
	ISP       string  `json:"isp"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Provider performs a single geolocation lookup.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, ip string) (*Location, error)
}

// Unknown is the sentinel for addresses no provider could resolve. The 0/0
// coordinates keep such events off the map.
func Unknown(ip string) *Location {
	return &Location{
		IP:      ip,
		Country: "Unknown",
		Region:  "Unknown",
		City:    "Unknown",
		ISP:     "Unknown",
	}
}

// Private is the sentinel for addresses that never leave the local network.
// Asking an external provider about them would only leak the deployment.
func Private(ip string) *Location {
	return &Location{
		IP:      ip,
		Country: "Private Network",
		Region:  "Private",
		City:    "Private",
		ISP:     "Private Network",
	}
}

var privateNets []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	} {
		if _, network, err := net.ParseCIDR(cidr); err == nil {
			privateNets = append(privateNets, network)
		}
	}
}

// IsPrivate reports whether ip sits in a private, loopback or link-local
// range.
func IsPrivate(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, network := range privateNets {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}
