package config

import "time"

// Registry is the host-side configuration file. It remembers devices seen
// by discovery or updated from this machine, plus tool preferences.
type Registry struct {
	Version     int                `yaml:"version"`
	Devices     map[string]*Device `yaml:"devices,omitempty"` // Keyed by device identifier (hex)
	Preferences *Preferences       `yaml:"preferences,omitempty"`
}

// Device is what the host remembers about one device
type Device struct {
	Nickname    string    `yaml:"nickname,omitempty"`     // User-friendly name
	LastAddr    string    `yaml:"last_addr,omitempty"`    // Last known host:port
	LastSeen    time.Time `yaml:"last_seen,omitempty"`    // Last discovery or update
	LastVersion string    `yaml:"last_version,omitempty"` // Version reported after the last update
}

// Preferences are application-wide host tool settings
type Preferences struct {
	DiscoverTimeout int    `yaml:"discover_timeout"`      // mDNS browse timeout in seconds
	SigningKey      string `yaml:"signing_key,omitempty"` // Default PEM private key for `sign`
	RowRetries      int    `yaml:"row_retries"`           // Attempts per row before an update gives up
}

func defaultPreferences() *Preferences {
	return &Preferences{
		DiscoverTimeout: 5,
		RowRetries:      3,
	}
}

// NewRegistry creates a new Registry with default values.
func NewRegistry() *Registry {
	return &Registry{
		Version:     1,
		Devices:     make(map[string]*Device),
		Preferences: defaultPreferences(),
	}
}

// GetDevice retrieves device metadata by identifier.
// Returns nil if the device doesn't exist in the registry.
func (r *Registry) GetDevice(id string) *Device {
	return r.Devices[id]
}

// EnsureDevice returns the entry for id, creating it if needed.
func (r *Registry) EnsureDevice(id string) *Device {
	if r.Devices == nil {
		r.Devices = make(map[string]*Device)
	}

	if device, exists := r.Devices[id]; exists {
		return device
	}

	device := &Device{}
	r.Devices[id] = device
	return device
}

// UpdateDeviceLastSeen updates the last seen timestamp and address for a device.
func (r *Registry) UpdateDeviceLastSeen(id, addr string) {
	device := r.EnsureDevice(id)
	device.LastSeen = time.Now()
	device.LastAddr = addr
}

// RecordUpdate stores the version a device reported after an update.
func (r *Registry) RecordUpdate(id, addr, version string) {
	r.UpdateDeviceLastSeen(id, addr)
	r.Devices[id].LastVersion = version
}

// SetDeviceNickname sets a user-friendly nickname for a device.
func (r *Registry) SetDeviceNickname(id, nickname string) {
	device := r.EnsureDevice(id)
	device.Nickname = nickname
}

// FindByNickname returns the identifier of the device with the given nickname
func (r *Registry) FindByNickname(nickname string) (string, bool) {
	for id, d := range r.Devices {
		if d.Nickname == nickname {
			return id, true
		}
	}
	return "", false
}
