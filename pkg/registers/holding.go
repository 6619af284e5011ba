package registers

import (
	"errors"
	"fmt"
	"sync"
)

// HoldingRegisterCount is the size of the holding register file (0..199).
const HoldingRegisterCount = 200

// ErrAddressRange is returned for any access outside of the holding file.
var ErrAddressRange = errors.New("holding register address out of range")

// HoldingSnapshot is a consistent copy of the whole holding register file.
type HoldingSnapshot [HoldingRegisterCount]uint16

// Uint16 returns the raw register at address.
func (s *HoldingSnapshot) Uint16(address uint16) uint16 {
	return s[address]
}

// Float32 returns the float stored at address and address+1, high word first.
func (s *HoldingSnapshot) Float32(address uint16) float32 {
	return DecodeFloat32(s[address], s[address+1])
}

// HoldingRegisterFile is the persistent register array written by utility
// clients. Each address names one storage cell for the lifetime of the file,
// so a value written by one connection is read back by every other until it
// is overwritten. Only the protocol side writes to it.
type HoldingRegisterFile struct {
	mu    sync.Mutex
	cells [HoldingRegisterCount]uint16
}

// NewHoldingRegisterFile returns a file with all registers set to zero.
func NewHoldingRegisterFile() *HoldingRegisterFile {
	return &HoldingRegisterFile{}
}

func checkRange(offset, count int) error {
	if offset < 0 || count < 0 || offset+count > HoldingRegisterCount {
		return fmt.Errorf("%w: offset %d count %d", ErrAddressRange, offset, count)
	}
	return nil
}

// Read returns count registers starting at offset. It never returns partial
// data: the whole range must be inside the file.
func (f *HoldingRegisterFile) Read(offset, count int) ([]uint16, error) {
	if err := checkRange(offset, count); err != nil {
		return nil, err
	}
	out := make([]uint16, count)
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(out, f.cells[offset:offset+count])
	return out, nil
}

// Write stores values starting at offset. Either all values are written or
// none are.
func (f *HoldingRegisterFile) Write(offset int, values []uint16) error {
	if err := checkRange(offset, len(values)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.cells[offset:], values)
	return nil
}

// Snapshot copies the whole file under the lock so multi-register values are
// never torn.
func (f *HoldingRegisterFile) Snapshot() HoldingSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cells
}
