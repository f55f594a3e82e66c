package nvm

import (
	"github.com/muurk/securedfu/internal/dfuerr"
)

// Flags carry the control bits of a storage request.
type Flags uint8

const (
	// FlagErase turns a write into a row erase
	FlagErase Flags = 1 << iota
	// FlagCompare turns a read into a comparison against the caller's buffer
	FlagCompare
)

// Has reports whether all bits of f2 are set in f
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// Guard validates storage requests before they reach the flash primitive.
//
// Writes are checked in this order:
//  1. inside the active slot: AddressError
//  2. misaligned, or not exactly one row without FlagErase: LengthError
//  3. outside every allowed region: AddressError
//
// Reads skip step 1 and require a whole number of rows.
type Guard struct {
	layout Layout
}

// NewGuard creates a guard for the given layout
func NewGuard(layout Layout) (*Guard, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	return &Guard{layout: layout}, nil
}

// Layout returns the layout the guard enforces
func (g *Guard) Layout() Layout {
	return g.layout
}

// RowSize returns the configured row size
func (g *Guard) RowSize() uint32 {
	return g.layout.RowSize
}

// CheckWrite validates a write or erase request
func (g *Guard) CheckWrite(addr, length uint32, flags Flags) error {
	if g.layout.Active.Contains(addr) {
		return dfuerr.New(dfuerr.KindAddress, "write",
			"address 0x%08x is inside the active slot %s", addr, g.layout.Active)
	}

	if addr%g.layout.RowSize != 0 {
		return dfuerr.New(dfuerr.KindLength, "write",
			"address 0x%08x is not aligned to the %d byte row", addr, g.layout.RowSize)
	}
	if !flags.Has(FlagErase) && length != g.layout.RowSize {
		return dfuerr.New(dfuerr.KindLength, "write",
			"length %d is not one row (%d bytes)", length, g.layout.RowSize)
	}

	if _, ok := g.layout.RegionFor(addr); !ok {
		return dfuerr.New(dfuerr.KindAddress, "write",
			"address 0x%08x is outside the allowed regions", addr)
	}
	return nil
}

// CheckRead validates a read or compare request
func (g *Guard) CheckRead(addr, length uint32, flags Flags) error {
	if addr%g.layout.RowSize != 0 || length%g.layout.RowSize != 0 {
		return dfuerr.New(dfuerr.KindLength, "read",
			"address 0x%08x length %d is not whole rows of %d bytes", addr, length, g.layout.RowSize)
	}

	if _, ok := g.layout.RegionFor(addr); !ok {
		return dfuerr.New(dfuerr.KindAddress, "read",
			"address 0x%08x is outside the allowed regions", addr)
	}
	return nil
}
