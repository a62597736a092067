package regmgr

import "github.com/colorfulnotion/pvmreg/log"

// simdSlotSize is the stride between SIMD spill slots: 64 bytes covers a
// 512-bit register even though this core only preserves the 128-bit
// subclass (Non-goal), so the layout survives a future widening without
// moving existing slots.
const simdSlotSize = 64

// DRSlotProvider is the host framework's non-preserved thread-local scratch
// slot API: slots beyond SlotStore's direct range transparently delegate
// here. These slots are NOT preserved across app instructions, so the
// insertion driver must always refresh them before relying on their value.
type DRSlotProvider interface {
	NumSlots() int
	ReadSlot(i int) uint64
	WriteSlot(i int, v uint64)
}

// SlotStore is the thread-local backing memory for spilled register
// values: a contiguous array of word slots (slot 0 reserved for flags,
// 1..numDirect for GPRs) plus a separately allocated, 64-byte-aligned
// indirect block for SIMD spills reached through a pointer kept in one of
// the direct slots.
type SlotStore struct {
	direct []uint64
	simd   []byte // numSIMDSlots * simdSlotSize, aligned
	simdOff int    // offset into simd[] of the first 64-byte-aligned slot

	dr DRSlotProvider

	hiddenSlot int // direct slot index holding the pointer to simd[]
	numDirect  int
	numSIMD    int
}

// NewSlotStore allocates numDirect direct slots (including slot 0 for
// flags) and numSIMD indirect SIMD slots, delegating anything beyond
// numDirect to dr.
func NewSlotStore(numDirect, numSIMD int, dr DRSlotProvider) *SlotStore {
	s := &SlotStore{
		direct:    make([]uint64, numDirect),
		dr:        dr,
		numDirect: numDirect,
		numSIMD:   numSIMD,
	}
	if numSIMD > 0 {
		// Over-allocate by one slot's worth so we can find a 64-byte
		// aligned offset inside, mirroring how a raw_tls_calloc-backed
		// region would be carved up by the host.
		s.simd = make([]byte, numSIMD*simdSlotSize+simdSlotSize-1)
		addr := uintptrOf(s.simd)
		pad := (simdSlotSize - int(addr%uintptr(simdSlotSize))) % simdSlotSize
		s.simdOff = pad
		s.hiddenSlot = numDirect - 1 // last direct slot is the hidden pointer slot
		s.direct[s.hiddenSlot] = uint64(uintptrOf(s.simd[s.simdOff:]))
	} else {
		s.hiddenSlot = -1
	}
	log.Trace(log.SlotStoreMod, "slot store created", "direct", numDirect, "simd", numSIMD)
	return s
}

// HiddenSlot returns the direct slot index holding the SIMD block pointer,
// or -1 if no SIMD slots were configured.
func (s *SlotStore) HiddenSlot() int { return s.hiddenSlot }

// NumDirect is the number of direct GPR/flags slots, not counting the
// hidden SIMD-pointer slot.
func (s *SlotStore) NumDirect() int {
	if s.hiddenSlot >= 0 {
		return s.numDirect - 1
	}
	return s.numDirect
}

func (s *SlotStore) NumSIMD() int { return s.numSIMD }

// ReadDirect/WriteDirect access slot i, transparently delegating to the
// host's DR slot provider once i runs past the direct array.
func (s *SlotStore) ReadDirect(i int) uint64 {
	if i < len(s.direct) {
		return s.direct[i]
	}
	if s.dr != nil {
		return s.dr.ReadSlot(i - len(s.direct))
	}
	return 0
}

func (s *SlotStore) WriteDirect(i int, v uint64) {
	if i < len(s.direct) {
		s.direct[i] = v
		return
	}
	if s.dr != nil {
		s.dr.WriteSlot(i-len(s.direct), v)
	}
}

// IsHostSlot reports whether slot i is delegated to the host's volatile
// scratch-slot API rather than backed by this store directly.
func (s *SlotStore) IsHostSlot(i int) bool { return i >= len(s.direct) }

// ReadSIMD/WriteSIMD access the 16-byte xmm lane at SIMD slot i.
func (s *SlotStore) ReadSIMD(i int) [16]byte {
	var v [16]byte
	off := s.simdOff + i*simdSlotSize
	copy(v[:], s.simd[off:off+16])
	return v
}

func (s *SlotStore) WriteSIMD(i int, v [16]byte) {
	off := s.simdOff + i*simdSlotSize
	copy(s.simd[off:off+16], v[:])
}

// SIMDBlockBase returns the address a generated indirect-SIMD spill would
// have loaded out of the hidden slot -- used by tests/the fault rewriter to
// recognise `[base + slot*64]` addressing without re-deriving the pointer.
func (s *SlotStore) SIMDBlockBase() uint64 {
	if s.hiddenSlot < 0 {
		return 0
	}
	return s.direct[s.hiddenSlot]
}
