package regmgr

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/colorfulnotion/pvmreg/log"
)

// FragmentInstr is one instruction of an emitted fragment, in the order it
// was placed into the instruction stream. Emitted is nil for untouched app
// instructions; non-nil for anything the SpillEmitter produced.
type FragmentInstr struct {
	Bytes   []byte
	Emitted *EmittedInstr
}

// shadowReg tracks, for one register, whether it currently holds the app's
// value (native) or not (non-native, with the app value parked in Slot).
type shadowReg struct {
	native bool
	slot   int
}

// FaultRewriter reconstructs the app's architectural register and flags
// state at an arbitrary point inside an emitted fragment, by replaying the
// fragment's spill/restore bookkeeping from its start up to the fault.
//
// Real machine code is decoded with x86asm purely to cross-check instruction
// lengths while walking the byte stream; the actual native/spilled
// bookkeeping comes from the EmittedInstr metadata recorded at emission
// time, mirroring how this core's own insertion driver reasons about state.
type FaultRewriter struct {
	slots *SlotStore
}

func NewFaultRewriter(slots *SlotStore) *FaultRewriter {
	return &FaultRewriter{slots: slots}
}

// RestoreMap is the result of a rewrite: registers/flags that were
// non-native at the fault point, with the app value read back out of the
// slot store, ready for the host to write into its mcontext.
type RestoreMap struct {
	GPR  map[RegID]uint64
	SIMD map[RegID][16]byte

	// FlagsRestored/FlagsByte cover the flags-in-memory route: the app's
	// flags sit in the slot store already combined into one byte.
	FlagsRestored bool
	FlagsByte     uint64

	// FlagsFromAccumulator covers the flags-in-GPR route: the app's flags
	// are still physically sitting in the live FlagsAccumulator/overflow
	// carrier registers delivered with the fault, and must be decoded from
	// those (see Mediator.RestoreAppValues) rather than read out of a slot.
	FlagsFromAccumulator bool
	OverflowCarrierReg   RegID
}

// Rewrite walks frag from its start and reconstructs state as of the
// instruction at faultIndex (the faulting instruction has NOT executed
// yet). It returns ErrGeneric if faultIndex is out of range.
func (fr *FaultRewriter) Rewrite(frag []FragmentInstr, faultIndex int) (RestoreMap, Status) {
	if faultIndex < 0 || faultIndex > len(frag) {
		return RestoreMap{}, ErrGeneric
	}

	gpr := make(map[RegID]shadowReg, NumGPR)
	for i := 0; i < int(NumGPR); i++ {
		gpr[RegID(i)] = shadowReg{native: true}
	}
	simd := map[RegID]shadowReg{}
	flagsLoc := FlagsNative

	offset := 0
	for i := 0; i < faultIndex; i++ {
		fi := frag[i]
		if len(fi.Bytes) > 0 {
			dec, err := x86asm.Decode(fi.Bytes, 64)
			if err != nil {
				log.Warn(log.Fault, "decode failed while walking fragment", "offset", offset, "err", err)
			} else if dec.Len != len(fi.Bytes) {
				log.Warn(log.Fault, "decoded length mismatch", "offset", offset, "decoded", dec.Len, "recorded", len(fi.Bytes))
			}
		}
		offset += len(fi.Bytes)

		e := fi.Emitted
		if e == nil {
			continue
		}
		switch e.Kind {
		case EmitSpillDirect:
			// A spill of a register that already has a recorded slot is a
			// tool-value temp spill (sandwich) and leaves the mapping alone.
			if cur := gpr[e.Reg]; cur.native || cur.slot < 0 {
				gpr[e.Reg] = shadowReg{native: false, slot: e.Slot}
			}
		case EmitRestoreDirect:
			// Only a restore from the recorded slot brings the app value
			// back; a restore from another slot is a tool-value temp restore.
			if cur := gpr[e.Reg]; cur.native || cur.slot < 0 || cur.slot == e.Slot {
				gpr[e.Reg] = shadowReg{native: true}
			}
		case EmitSIMDSpill:
			if cur, ok := simd[e.Reg]; !ok || cur.native {
				simd[e.Reg] = shadowReg{native: false, slot: e.Slot}
			}
		case EmitSIMDRestore:
			if cur, ok := simd[e.Reg]; !ok || cur.native || cur.slot == e.Slot {
				simd[e.Reg] = shadowReg{native: true}
			}
		case EmitSIMDPtrLoad:
			gpr[e.Reg] = shadowReg{native: false, slot: -1} // scratch, clobbered, no app value to recover
		case EmitFlagsCapture:
			flagsLoc = FlagsInRegInUse
			gpr[e.Reg] = shadowReg{native: false, slot: -1}
		case EmitFlagsRelease:
			flagsLoc = FlagsNative
			gpr[FlagsAccumulator] = shadowReg{native: true}
		}
	}

	out := RestoreMap{GPR: map[RegID]uint64{}, SIMD: map[RegID][16]byte{}}
	for r, st := range gpr {
		if st.native || st.slot < 0 {
			continue
		}
		out.GPR[r] = fr.slots.ReadDirect(st.slot)
	}
	for r, st := range simd {
		if st.native || st.slot < 0 {
			continue
		}
		out.SIMD[r] = fr.slots.ReadSIMD(st.slot)
	}
	if flagsLoc == FlagsInRegInUse {
		out.FlagsFromAccumulator = true
		out.OverflowCarrierReg = overflowCarrier
	}
	if flagsLoc == FlagsInMemory {
		out.FlagsByte = fr.slots.ReadDirect(flagsSlot)
		out.FlagsRestored = true
	}

	log.Debug(log.Fault, "rewrite complete", "faultIndex", faultIndex, "restoredGPR", len(out.GPR), "restoredSIMD", len(out.SIMD))
	return out, Success
}

// LocateFault finds the fragment index whose cumulative byte offset equals
// faultPCOffset, summing the recorded byte lengths without decoding them
// (Rewrite does the x86asm length cross-check). Returns ErrGeneric if
// faultPCOffset does not land on an instruction boundary.
func (fr *FaultRewriter) LocateFault(frag []FragmentInstr, faultPCOffset int) (int, Status) {
	offset := 0
	for i, fi := range frag {
		if offset == faultPCOffset {
			return i, Success
		}
		if offset > faultPCOffset {
			return 0, ErrGeneric
		}
		offset += len(fi.Bytes)
	}
	if offset == faultPCOffset {
		return len(frag), Success
	}
	return 0, ErrGeneric
}

func (fr *FaultRewriter) String() string {
	return fmt.Sprintf("FaultRewriter{slots=%p}", fr.slots)
}
