package nvm

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/muurk/securedfu/internal/dfuerr"
)

// recordingFlash captures the rows handed to the primitive
type recordingFlash struct {
	*MemFlash
	rows     [][]byte
	writeErr error
}

func (f *recordingFlash) WriteRow(addr uint32, row []byte) error {
	f.rows = append(f.rows, bytes.Clone(row))
	if f.writeErr != nil {
		return f.writeErr
	}
	return f.MemFlash.WriteRow(addr, row)
}

func newTestController(t *testing.T) (*Controller, *recordingFlash) {
	t.Helper()
	l := testLayout()
	mem, err := NewMemFlash(l.RowSize,
		Region{Name: "flash", Start: 0x10000000, Length: 0x100000},
		Region{Name: "eeprom", Start: 0x14000000, Length: 0x8000},
	)
	if err != nil {
		t.Fatalf("NewMemFlash() error = %v", err)
	}
	flash := &recordingFlash{MemFlash: mem}
	return NewController(newTestGuard(t), flash), flash
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestController_WriteAndRead(t *testing.T) {
	c, _ := newTestController(t)
	row := pattern(512, 7)

	if err := c.Write(0x10088000, 512, 0, row); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got := make([]byte, 512)
	if err := c.Read(0x10088000, 512, 0, got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, row) {
		t.Error("Read() returned different bytes than written")
	}

	if err := c.Read(0x10088000, 512, FlagCompare, row); err != nil {
		t.Errorf("compare identical row error = %v", err)
	}

	row[100] ^= 0xFF
	if err := c.Read(0x10088000, 512, FlagCompare, row); !dfuerr.IsVerify(err) {
		t.Errorf("compare modified row = %v, want verify error", err)
	}
}

func TestController_EraseZeroFills(t *testing.T) {
	c, flash := newTestController(t)

	if err := c.Write(0x10088000, 512, 0, pattern(512, 1)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := c.Write(0x10088000, 0, FlagErase, pattern(512, 9)); err != nil {
		t.Fatalf("erase error = %v", err)
	}

	last := flash.rows[len(flash.rows)-1]
	if !bytes.Equal(last, make([]byte, 512)) {
		t.Error("erase should hand a zero-filled row to the primitive")
	}
}

func TestController_RejectedRequestsNeverReachFlash(t *testing.T) {
	c, flash := newTestController(t)

	bad := []struct {
		addr   uint32
		length uint32
	}{
		{0x10018000, 512}, // active slot
		{0x10088004, 512}, // unaligned
		{0x10000000, 512}, // bootloader
		{0x10088000, 100}, // partial row
	}
	for _, r := range bad {
		if err := c.Write(r.addr, r.length, 0, pattern(int(r.length), 0)); err == nil {
			t.Errorf("Write(0x%08x, %d) succeeded, want rejection", r.addr, r.length)
		}
	}
	if len(flash.rows) != 0 {
		t.Errorf("primitive saw %d rows, want 0", len(flash.rows))
	}
}

func TestController_PrimitiveFailureIsDataError(t *testing.T) {
	c, flash := newTestController(t)
	flash.writeErr = errors.New("program verify failed")

	err := c.Write(0x10088000, 512, 0, pattern(512, 0))
	if !dfuerr.IsData(err) {
		t.Fatalf("Write() = %v, want data error", err)
	}
	if !errors.Is(err, flash.writeErr) {
		t.Error("data error should wrap the primitive error")
	}
}

func TestController_PayloadLengthMismatch(t *testing.T) {
	c, _ := newTestController(t)

	if err := c.Write(0x10088000, 512, 0, pattern(500, 0)); !dfuerr.IsLength(err) {
		t.Errorf("Write() = %v, want length error", err)
	}
}

func TestMemFlash_ReadAtAndPersistence(t *testing.T) {
	mem, err := NewMemFlash(512, Region{Name: "flash", Start: 0x10000000, Length: 0x1000})
	if err != nil {
		t.Fatalf("NewMemFlash() error = %v", err)
	}
	if err := mem.Program(0x10000100, []byte("image")); err != nil {
		t.Fatalf("Program() error = %v", err)
	}

	buf := make([]byte, 5)
	if _, err := mem.ReadAt(buf, 0x10000100); err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if string(buf) != "image" {
		t.Errorf("ReadAt() = %q, want %q", buf, "image")
	}

	tail := make([]byte, 8)
	n, err := mem.ReadAt(tail, 0x10000FFC)
	if n != 4 || err == nil {
		t.Errorf("ReadAt() past bank end = (%d, %v), want (4, EOF)", n, err)
	}

	path := filepath.Join(t.TempDir(), "flash.cbor")
	if err := mem.SaveFile(path); err != nil {
		t.Fatalf("SaveFile() error = %v", err)
	}

	restored, _ := NewMemFlash(512, Region{Name: "flash", Start: 0x10000000, Length: 0x1000})
	if err := restored.LoadFile(path); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if err := restored.Read(0x10000100, buf); err != nil || string(buf) != "image" {
		t.Errorf("restored Read() = (%q, %v), want image", buf, err)
	}

	other, _ := NewMemFlash(256, Region{Name: "flash", Start: 0x10000000, Length: 0x1000})
	if err := other.LoadFile(path); err == nil {
		t.Error("LoadFile() with a different row size should fail")
	}
}

func TestNewMemFlash_OverlappingBanks(t *testing.T) {
	_, err := NewMemFlash(512,
		Region{Name: "a", Start: 0x1000, Length: 0x1000},
		Region{Name: "b", Start: 0x1800, Length: 0x1000},
	)
	if err == nil {
		t.Error("NewMemFlash() with overlapping banks should fail")
	}
}
