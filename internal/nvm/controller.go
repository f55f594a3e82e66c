package nvm

import (
	"bytes"

	"github.com/muurk/securedfu/internal/dfuerr"
)

// Flash is the row program/read primitive underneath the guard.
type Flash interface {
	// WriteRow programs exactly one row at a row-aligned address
	WriteRow(addr uint32, row []byte) error
	// Read fills buf from addr
	Read(addr uint32, buf []byte) error
}

// Controller forwards guarded requests to the flash primitive.
// It owns two row buffers and is not safe for concurrent use.
type Controller struct {
	guard   *Guard
	flash   Flash
	row     [MaxRowSize]byte
	scratch [MaxRowSize]byte
}

// NewController creates a controller that checks every request with guard
func NewController(guard *Guard, flash Flash) *Controller {
	return &Controller{guard: guard, flash: flash}
}

// Guard returns the guard in front of the flash
func (c *Controller) Guard() *Guard {
	return c.guard
}

// Write programs one row, or erases the row at addr when FlagErase is set.
// An erase zero-fills the row buffer before the primitive is called.
func (c *Controller) Write(addr, length uint32, flags Flags, data []byte) error {
	if err := c.guard.CheckWrite(addr, length, flags); err != nil {
		return err
	}

	rowSize := c.guard.RowSize()
	row := c.row[:rowSize]
	if flags.Has(FlagErase) {
		clear(row)
	} else {
		if uint32(len(data)) != length {
			return dfuerr.New(dfuerr.KindLength, "write",
				"payload is %d bytes, request declared %d", len(data), length)
		}
		copy(row, data)
	}

	if err := c.flash.WriteRow(addr, row); err != nil {
		return dfuerr.Wrap(dfuerr.KindData, "write", err, "row program failed at 0x%08x", addr)
	}
	return nil
}

// Read copies length bytes starting at addr into buf. With FlagCompare the
// flash contents are compared against buf instead and a mismatch is a
// verify error.
func (c *Controller) Read(addr, length uint32, flags Flags, buf []byte) error {
	if err := c.guard.CheckRead(addr, length, flags); err != nil {
		return err
	}
	if uint32(len(buf)) < length {
		return dfuerr.New(dfuerr.KindLength, "read",
			"buffer is %d bytes, request declared %d", len(buf), length)
	}

	if !flags.Has(FlagCompare) {
		if err := c.flash.Read(addr, buf[:length]); err != nil {
			return dfuerr.Wrap(dfuerr.KindData, "read", err, "read failed at 0x%08x", addr)
		}
		return nil
	}

	rowSize := c.guard.RowSize()
	for off := uint32(0); off < length; off += rowSize {
		chunk := c.scratch[:rowSize]
		if err := c.flash.Read(addr+off, chunk); err != nil {
			return dfuerr.Wrap(dfuerr.KindData, "compare", err, "read failed at 0x%08x", addr+off)
		}
		if !bytes.Equal(chunk, buf[off:off+rowSize]) {
			return dfuerr.New(dfuerr.KindVerify, "compare",
				"row at 0x%08x does not match", addr+off)
		}
	}
	return nil
}
