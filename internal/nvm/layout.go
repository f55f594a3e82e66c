package nvm

import (
	"fmt"
)

// MaxRowSize is the largest row the working buffers can hold.
// Row sizes configured at runtime must not exceed it.
const MaxRowSize = 512

// Region is a half-open address range [Start, Start+Length).
type Region struct {
	Name   string
	Start  uint32
	Length uint32
}

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr uint32) bool {
	return addr >= r.Start && addr-r.Start < r.Length
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return uint64(r.Start) + uint64(r.Length)
}

// Overlaps reports whether the two regions share any address.
func (r Region) Overlaps(o Region) bool {
	return uint64(r.Start) < o.End() && uint64(o.Start) < r.End()
}

// String returns a human-readable representation of the region
func (r Region) String() string {
	return fmt.Sprintf("%s[0x%08x, 0x%08x)", r.Name, r.Start, r.End())
}

// Layout describes the storage geometry the guard enforces.
type Layout struct {
	// RowSize is the program/erase granule in bytes; a power of two no larger than MaxRowSize.
	RowSize uint32
	// Active is the slot holding the image that is currently executing.
	Active Region
	// Allowed lists the regions a request may target.
	Allowed []Region
}

// Validate checks that the layout is self-consistent.
func (l Layout) Validate() error {
	if l.RowSize == 0 || l.RowSize > MaxRowSize || l.RowSize&(l.RowSize-1) != 0 {
		return fmt.Errorf("invalid row size %d: must be a power of two no larger than %d", l.RowSize, MaxRowSize)
	}
	if l.Active.Length == 0 {
		return fmt.Errorf("active slot %s is empty", l.Active)
	}
	if len(l.Allowed) == 0 {
		return fmt.Errorf("no allowed regions configured")
	}
	for _, r := range append([]Region{l.Active}, l.Allowed...) {
		if r.Start%l.RowSize != 0 || r.Length%l.RowSize != 0 {
			return fmt.Errorf("region %s is not row aligned (row size %d)", r, l.RowSize)
		}
		if r.End() > 1<<32 {
			return fmt.Errorf("region %s exceeds the 32-bit address space", r)
		}
	}
	return nil
}

// RegionFor returns the allowed region containing addr.
func (l Layout) RegionFor(addr uint32) (Region, bool) {
	for _, r := range l.Allowed {
		if r.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}
