package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/muurk/securedfu/internal/image"
	"github.com/muurk/securedfu/internal/nvm"
)

// ProfileVersion is the only device profile version understood
const ProfileVersion = 1

// Profile describes one simulated device: its storage layout, image format,
// update timing and network endpoints.
type Profile struct {
	Version int            `yaml:"version"`
	Device  DeviceSection  `yaml:"device"`
	Flash   FlashSection   `yaml:"flash"`
	Image   ImageSection   `yaml:"image"`
	Update  UpdateSection  `yaml:"update"`
	Mailbox MailboxSection `yaml:"mailbox"`
	Server  ServerSection  `yaml:"server"`
}

// DeviceSection identifies the device
type DeviceSection struct {
	Name string `yaml:"name"`
	ID   uint32 `yaml:"id"` // Protected identifier served by the peer core
}

// Slot is a named address range
type Slot struct {
	Name   string `yaml:"name"`
	Start  uint32 `yaml:"start"`
	Length uint32 `yaml:"length"`
}

// Region converts the slot to an nvm region
func (s Slot) Region() nvm.Region {
	return nvm.Region{Name: s.Name, Start: s.Start, Length: s.Length}
}

// FlashSection is the storage layout
type FlashSection struct {
	RowSize   uint32 `yaml:"row_size"`
	Banks     []Slot `yaml:"banks"`     // Physical memories backing the simulator
	Active    Slot   `yaml:"active"`    // Running image, never writable
	Candidate Slot   `yaml:"candidate"` // Receives and verifies the new image
	Allowed   []Slot `yaml:"allowed"`   // Regions the host may target
	StateFile string `yaml:"state_file,omitempty"`
}

// ImageSection configures image verification
type ImageSection struct {
	HeaderSize    uint32 `yaml:"header_size"`
	PublicKeyFile string `yaml:"public_key_file,omitempty"` // Empty uses the embedded development key
	ByteOrder     string `yaml:"byte_order"`                // Operand order of the ECDSA block
}

// UpdateSection configures the update loop
type UpdateSection struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	FailOpen          bool          `yaml:"fail_open"`
	WaitForIdentity   bool          `yaml:"wait_for_identity"`
}

// MailboxSection configures the inter-core channel
type MailboxSection struct {
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// ServerSection configures the network endpoints
type ServerSection struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	Advertise   bool   `yaml:"advertise"`
}

// Default returns the profile of the reference board: 1 MiB of flash with a
// 96 KiB bootloader, two 448 KiB application slots and 32 KiB of EEPROM.
func Default() *Profile {
	return &Profile{
		Version: ProfileVersion,
		Device: DeviceSection{
			Name: "securedfu-sim",
			ID:   0xAA55AA55,
		},
		Flash: FlashSection{
			RowSize: 512,
			Banks: []Slot{
				{Name: "flash", Start: 0x10000000, Length: 0x100000},
				{Name: "eeprom", Start: 0x14000000, Length: 0x8000},
			},
			Active:    Slot{Name: "app0", Start: 0x10018000, Length: 0x70000},
			Candidate: Slot{Name: "app1", Start: 0x10088000, Length: 0x70000},
			Allowed: []Slot{
				{Name: "app-flash", Start: 0x10018000, Length: 0xE8000},
				{Name: "eeprom", Start: 0x14000000, Length: 0x8000},
			},
		},
		Image: ImageSection{
			HeaderSize: image.DefaultHeaderSize,
			ByteOrder:  "big-endian",
		},
		Update: UpdateSection{
			PollInterval:      20 * time.Millisecond,
			InactivityTimeout: 5 * time.Second,
			FailOpen:          false,
			WaitForIdentity:   true,
		},
		Mailbox: MailboxSection{
			LockTimeout: 100 * time.Millisecond,
		},
		Server: ServerSection{
			ListenAddr:  ":8765",
			MetricsAddr: ":9765",
			Advertise:   true,
		},
	}
}

// Layout returns the guard layout
func (p *Profile) Layout() nvm.Layout {
	l := nvm.Layout{
		RowSize: p.Flash.RowSize,
		Active:  p.Flash.Active.Region(),
	}
	for _, s := range p.Flash.Allowed {
		l.Allowed = append(l.Allowed, s.Region())
	}
	return l
}

// Banks returns the simulated memories
func (p *Profile) Banks() []nvm.Region {
	banks := make([]nvm.Region, 0, len(p.Flash.Banks))
	for _, s := range p.Flash.Banks {
		banks = append(banks, s.Region())
	}
	return banks
}

func insideBank(banks []nvm.Region, r nvm.Region) bool {
	for _, b := range banks {
		if r.Start >= b.Start && r.End() <= b.End() {
			return true
		}
	}
	return false
}

// Validate checks the profile for consistency
func (p *Profile) Validate() error {
	var errs []error
	if p.Version != ProfileVersion {
		errs = append(errs, fmt.Errorf("unsupported profile version: %d (expected %d)", p.Version, ProfileVersion))
	}

	if p.Device.ID == 0 {
		errs = append(errs, errors.New("device id must be non-zero"))
	}

	layout := p.Layout()
	if err := layout.Validate(); err != nil {
		errs = append(errs, err)
	}

	banks := p.Banks()
	if len(banks) == 0 {
		errs = append(errs, errors.New("no flash banks configured"))
	}
	for _, r := range append([]nvm.Region{layout.Active, p.Flash.Candidate.Region()}, layout.Allowed...) {
		if !insideBank(banks, r) {
			errs = append(errs, fmt.Errorf("region %s is not backed by a flash bank", r))
		}
	}

	cand := p.Flash.Candidate.Region()
	if cand.Length == 0 {
		errs = append(errs, errors.New("candidate slot is empty"))
	}
	if cand.Overlaps(layout.Active) {
		errs = append(errs, fmt.Errorf("candidate slot %s overlaps the active slot", cand))
	}

	if p.Image.HeaderSize < image.HeaderFieldsSize {
		errs = append(errs, fmt.Errorf("image header size %d is smaller than %d", p.Image.HeaderSize, image.HeaderFieldsSize))
	}
	switch p.Image.ByteOrder {
	case "big-endian", "little-endian":
	default:
		errs = append(errs, fmt.Errorf("unknown byte order %q", p.Image.ByteOrder))
	}

	if p.Update.PollInterval <= 0 || p.Update.InactivityTimeout <= 0 {
		errs = append(errs, errors.New("update intervals must be positive"))
	}
	if p.Update.InactivityTimeout < p.Update.PollInterval {
		errs = append(errs, errors.New("inactivity timeout is shorter than the poll interval"))
	}
	if p.Mailbox.LockTimeout <= 0 {
		errs = append(errs, errors.New("mailbox lock timeout must be positive"))
	}
	if p.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server listen address is empty"))
	}

	return errors.Join(errs...)
}

// LoadProfile reads and validates a profile. Fields missing from the file
// keep their defaults.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	p := Default()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile %s: %w", path, err)
	}
	return p, nil
}

// Save writes the profile to path atomically
func (p *Profile) Save(path string) error {
	fileMutex.Lock()
	defer fileMutex.Unlock()

	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	header := []byte(`# securedfu device profile
# Addresses are absolute; lengths are in bytes. The active slot is never
# writable, whatever the allowed regions say.
#
# Location: ` + path + `

`)
	return writeAtomic(path, header, data)
}
