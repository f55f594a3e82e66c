package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/muurk/securedfu/internal/logging"
)

const (
	// ServiceType is the mDNS service type of update endpoints
	ServiceType = "_securedfu._tcp"

	// ServiceDomain is the mDNS domain (typically "local.")
	ServiceDomain = "local."

	// DefaultScanTimeout is the default timeout for device discovery
	DefaultScanTimeout = 5 * time.Second

	// DefaultPath is assumed when a device does not advertise one
	DefaultPath = "/dfu"
)

// TXT record keys
const (
	txtID      = "id"
	txtVersion = "ver"
	txtPath    = "path"
)

// Advertisement describes what a device publishes about itself
type Advertisement struct {
	Instance string
	Port     int
	ID       uint32
	Version  string
	Path     string
}

func (a Advertisement) txt() []string {
	path := a.Path
	if path == "" {
		path = DefaultPath
	}
	return []string{
		fmt.Sprintf("%s=%08x", txtID, a.ID),
		txtVersion + "=" + a.Version,
		txtPath + "=" + path,
	}
}

// Advertise publishes the update endpoint until ctx is cancelled
func Advertise(ctx context.Context, ad Advertisement, logger *zap.Logger) error {
	logger = logging.Or(logger).Named("discovery")

	server, err := zeroconf.Register(ad.Instance, ServiceType, ServiceDomain, ad.Port, ad.txt(), nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	defer server.Shutdown()

	logger.Info("Advertising update endpoint",
		zap.String("instance", ad.Instance),
		zap.String("service", ServiceType),
		zap.Int("port", ad.Port),
	)

	<-ctx.Done()
	return nil
}

// Scanner handles mDNS device discovery
type Scanner struct {
	// Timeout is the maximum time to wait for device discovery
	Timeout time.Duration
}

// NewScanner creates a new mDNS scanner with default settings
func NewScanner() *Scanner {
	return &Scanner{
		Timeout: DefaultScanTimeout,
	}
}

// browse calls visit for every update endpoint seen until ctx is done or
// visit returns false.
func (s *Scanner) browse(ctx context.Context, visit func(*Device) bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			if device := parseServiceEntry(entry); device != nil && !visit(device) {
				cancel()
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	// The resolver closes entries once ctx is done
	<-ctx.Done()
	<-done
	return nil
}

// ScanForDevices discovers all update endpoints on the local network
func (s *Scanner) ScanForDevices(ctx context.Context) ([]*Device, error) {
	seen := make(map[string]*Device)
	var order []string

	err := s.browse(ctx, func(d *Device) bool {
		if _, ok := seen[d.Instance]; !ok {
			order = append(order, d.Instance)
		}
		seen[d.Instance] = d
		return true
	})
	if err != nil {
		return nil, err
	}

	devices := make([]*Device, 0, len(order))
	for _, name := range order {
		devices = append(devices, seen[name])
	}
	return devices, nil
}

// FindDevice waits for a device matching instance name or hex ID
func (s *Scanner) FindDevice(ctx context.Context, nameOrID string) (*Device, error) {
	var found *Device
	err := s.browse(ctx, func(d *Device) bool {
		if matches(d, nameOrID) {
			found = d
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("device %s not found within %s", nameOrID, s.Timeout)
	}
	return found, nil
}

func matches(d *Device, nameOrID string) bool {
	if strings.EqualFold(d.Instance, nameOrID) {
		return true
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(nameOrID), "0x"), 16, 32)
	return err == nil && uint32(id) == d.ID
}

// parseServiceEntry converts a zeroconf service entry to a Device
// Returns nil if the entry carries no usable address or identity
func parseServiceEntry(entry *zeroconf.ServiceEntry) *Device {
	var ip string
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}
	if ip == "" || entry.Port == 0 {
		return nil
	}

	metadata := make(map[string]string)
	for _, txt := range entry.Text {
		key, value, _ := strings.Cut(txt, "=")
		metadata[key] = value
	}

	rawID, ok := metadata[txtID]
	if !ok {
		return nil
	}
	id, err := strconv.ParseUint(rawID, 16, 32)
	if err != nil {
		return nil
	}

	return &Device{
		Instance:     entry.Instance,
		ID:           uint32(id),
		Hostname:     entry.HostName,
		IP:           ip,
		Port:         entry.Port,
		Path:         metadata[txtPath],
		Version:      metadata[txtVersion],
		Metadata:     metadata,
		DiscoveredAt: time.Now(),
	}
}
