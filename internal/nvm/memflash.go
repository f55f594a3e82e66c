package nvm

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// MemFlash is an in-memory flash made of one or more banks.
// Erased memory reads as zero.
type MemFlash struct {
	mu      sync.RWMutex
	rowSize uint32
	banks   []*memBank

	// OnRowWritten is called just after a row has been programmed.
	OnRowWritten func(addr uint32)
}

type memBank struct {
	Region
	mem []byte
}

// NewMemFlash creates a flash with one bank per region.
func NewMemFlash(rowSize uint32, regions ...Region) (*MemFlash, error) {
	if rowSize == 0 || rowSize&(rowSize-1) != 0 {
		return nil, fmt.Errorf("invalid row size %d", rowSize)
	}
	m := &MemFlash{rowSize: rowSize}
	for _, r := range regions {
		if r.Start%rowSize != 0 || r.Length%rowSize != 0 {
			return nil, fmt.Errorf("bank %s is not row aligned", r)
		}
		for _, b := range m.banks {
			if b.Overlaps(r) {
				return nil, fmt.Errorf("bank %s overlaps %s", r, b.Region)
			}
		}
		m.banks = append(m.banks, &memBank{Region: r, mem: make([]byte, r.Length)})
	}
	return m, nil
}

// RowSize returns the program granule
func (m *MemFlash) RowSize() uint32 {
	return m.rowSize
}

func (m *MemFlash) bankFor(addr uint32, n int) (*memBank, uint32, error) {
	for _, b := range m.banks {
		if b.Contains(addr) {
			off := addr - b.Start
			if uint64(off)+uint64(n) > uint64(b.Length) {
				return nil, 0, fmt.Errorf("range 0x%08x+%d crosses the end of %s", addr, n, b.Region)
			}
			return b, off, nil
		}
	}
	return nil, 0, fmt.Errorf("address 0x%08x is not backed by any bank", addr)
}

// WriteRow programs one row.
func (m *MemFlash) WriteRow(addr uint32, row []byte) error {
	if addr%m.rowSize != 0 {
		return fmt.Errorf("address 0x%08x is not row aligned", addr)
	}
	if uint32(len(row)) != m.rowSize {
		return fmt.Errorf("row is %d bytes, want %d", len(row), m.rowSize)
	}

	m.mu.Lock()
	b, off, err := m.bankFor(addr, len(row))
	if err == nil {
		copy(b.mem[off:], row)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if m.OnRowWritten != nil {
		m.OnRowWritten(addr)
	}
	return nil
}

// Read fills buf from addr.
func (m *MemFlash) Read(addr uint32, buf []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, off, err := m.bankFor(addr, len(buf))
	if err != nil {
		return err
	}
	copy(buf, b.mem[off:])
	return nil
}

// ReadAt implements io.ReaderAt with absolute addresses as offsets.
// A read running past the end of a bank returns the bytes up to the end and io.EOF.
func (m *MemFlash) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > 0xFFFFFFFF {
		return 0, fmt.Errorf("offset %d is outside the address space", off)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	addr := uint32(off)
	for _, b := range m.banks {
		if !b.Contains(addr) {
			continue
		}
		n := copy(p, b.mem[addr-b.Start:])
		if n < len(p) {
			return n, io.EOF
		}
		return n, nil
	}
	return 0, fmt.Errorf("address 0x%08x is not backed by any bank", addr)
}

// Program writes data directly, bypassing row granularity. It models factory
// programming of an image and is never reachable from the update path.
func (m *MemFlash) Program(addr uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, off, err := m.bankFor(addr, len(data))
	if err != nil {
		return err
	}
	copy(b.mem[off:], data)
	return nil
}

// persisted is the on-disk form of a MemFlash.
type persisted struct {
	RowSize uint32          `cbor:"1,keyasint"`
	Banks   []persistedBank `cbor:"2,keyasint"`
}

type persistedBank struct {
	Name  string `cbor:"1,keyasint"`
	Start uint32 `cbor:"2,keyasint"`
	Data  []byte `cbor:"3,keyasint"`
}

// SaveFile writes the flash contents to path as CBOR.
// Performs an atomic write (temp file then rename).
func (m *MemFlash) SaveFile(path string) error {
	m.mu.RLock()
	p := persisted{RowSize: m.rowSize}
	for _, b := range m.banks {
		p.Banks = append(p.Banks, persistedBank{Name: b.Name, Start: b.Start, Data: b.mem})
	}
	data, err := cbor.Marshal(p)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode flash image: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write flash image: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace flash image: %w", err)
	}
	return nil
}

// LoadFile restores flash contents saved with SaveFile. Banks are matched by
// start address; banks missing from the file keep their current contents.
func (m *MemFlash) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read flash image: %w", err)
	}

	var p persisted
	if err := cbor.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("failed to decode flash image: %w", err)
	}
	if p.RowSize != m.rowSize {
		return fmt.Errorf("flash image row size %d does not match %d", p.RowSize, m.rowSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pb := range p.Banks {
		b, off, err := m.bankFor(pb.Start, len(pb.Data))
		if err != nil || off != 0 || uint32(len(pb.Data)) != b.Length {
			return fmt.Errorf("flash image bank %q at 0x%08x does not match the configured layout", pb.Name, pb.Start)
		}
		copy(b.mem, pb.Data)
	}
	return nil
}
