package discovery

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Device is an update endpoint found on the local network
type Device struct {
	// Instance is the advertised service instance name (e.g., "bench-board")
	Instance string

	// ID is the identity word reported by the device's second core
	ID uint32

	// Hostname is the mDNS hostname (e.g., "bench-board.local.")
	Hostname string

	// IP is the preferred address, IPv4 when one was advertised
	IP string

	// Port is the update endpoint port
	Port int

	// Path is the WebSocket path of the update endpoint
	Path string

	// Version is the version of the image running in the active slot
	Version string

	// Metadata holds all TXT record pairs
	Metadata map[string]string

	// DiscoveredAt is when the advertisement was received
	DiscoveredAt time.Time
}

// String returns a human-readable description of the device
func (d *Device) String() string {
	return fmt.Sprintf("%s [%08X] at %s (version %s)", d.Instance, d.ID, d.Addr(), d.Version)
}

// Addr returns host:port of the update endpoint
func (d *Device) Addr() string {
	return net.JoinHostPort(d.IP, strconv.Itoa(d.Port))
}

// URL returns the WebSocket URL of the update endpoint
func (d *Device) URL() string {
	path := d.Path
	if path == "" {
		path = DefaultPath
	}
	return "ws://" + d.Addr() + path
}

// GetMetadata retrieves a metadata value by key, or returns empty string if not found
func (d *Device) GetMetadata(key string) string {
	if d.Metadata == nil {
		return ""
	}
	return d.Metadata[key]
}
