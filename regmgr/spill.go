package regmgr

import "github.com/colorfulnotion/pvmreg/log"

// EmitKind classifies one emitted instruction so the fault rewriter can
// recognise it without re-decoding intent from raw bytes alone.
type EmitKind int

const (
	EmitSpillDirect EmitKind = iota
	EmitRestoreDirect
	EmitSIMDPtrLoad
	EmitSIMDSpill
	EmitSIMDRestore
	EmitFlagsCapture // lahf; seto
	EmitFlagsRelease // sahf
)

// EmittedInstr is one instruction this core generated, alongside the
// bookkeeping the fault rewriter and tests need: which register and slot it
// touches, and its encoded bytes.
type EmittedInstr struct {
	Kind  EmitKind
	Class RegClass
	Reg   RegID // the spilled/restored register (or xmm register for SIMD kinds)
	Scratch RegID // pointer-holding GPR, for indirect SIMD kinds
	Slot  int
	Bytes []byte
}

// PredicateState lets the host save/restore its auto-predication state
// around an emission batch; the core always forces its own spill/restore
// code to be unconditional regardless of ambient predication.
type PredicateState interface {
	SavePredicate() any
	ForceUnconditional()
	RestorePredicate(saved any)
}

// SpillEmitter emits the spill/restore instruction pairs the rest of the
// core decides it needs. It owns no state of its own besides the slot
// layout constants required to compute displacements.
type SpillEmitter struct {
	slots *SlotStore
	pred  PredicateState
}

func NewSpillEmitter(slots *SlotStore, pred PredicateState) *SpillEmitter {
	return &SpillEmitter{slots: slots, pred: pred}
}

func (e *SpillEmitter) unconditional(fn func() []EmittedInstr) []EmittedInstr {
	var saved any
	if e.pred != nil {
		saved = e.pred.SavePredicate()
		e.pred.ForceUnconditional()
	}
	out := fn()
	if e.pred != nil {
		e.pred.RestorePredicate(saved)
	}
	return out
}

func slotDisp(slot int) int32 { return int32(slot * 8) }

// SpillGPR emits the direct spill of reg into slot. It does not touch
// RegState; callers record EverSpilled.
func (e *SpillEmitter) SpillGPR(reg RegID, slot int) EmittedInstr {
	var inst EmittedInstr
	e.unconditional(func() []EmittedInstr {
		inst = EmittedInstr{Kind: EmitSpillDirect, Class: ClassGPR, Reg: reg, Slot: slot, Bytes: encodeGPRSlotStore(reg, slotDisp(slot))}
		return nil
	})
	log.Trace(log.Spill, "spill gpr", "reg", reg.GPRString(), "slot", slot)
	return inst
}

// RestoreGPR emits the direct restore of reg from slot.
func (e *SpillEmitter) RestoreGPR(reg RegID, slot int) EmittedInstr {
	var inst EmittedInstr
	e.unconditional(func() []EmittedInstr {
		inst = EmittedInstr{Kind: EmitRestoreDirect, Class: ClassGPR, Reg: reg, Slot: slot, Bytes: encodeGPRSlotLoad(reg, slotDisp(slot))}
		return nil
	})
	log.Trace(log.Spill, "restore gpr", "reg", reg.GPRString(), "slot", slot)
	return inst
}

// SpillSIMD emits the two-instruction indirect spill of an xmm register:
// load the block pointer into scratch, then movdqa to [scratch+slot*64].
func (e *SpillEmitter) SpillSIMD(xmm RegID, slot int, scratch RegID) []EmittedInstr {
	hidden := e.slots.HiddenSlot()
	var out []EmittedInstr
	e.unconditional(func() []EmittedInstr {
		out = []EmittedInstr{
			{Kind: EmitSIMDPtrLoad, Class: ClassGPR, Reg: scratch, Slot: hidden, Bytes: encodeSIMDBlockPtrLoad(scratch, slotDisp(hidden))},
			{Kind: EmitSIMDSpill, Class: ClassSIMD128, Reg: xmm, Scratch: scratch, Slot: slot, Bytes: encodeSIMDStore(xmm, scratch, int32(slot*simdSlotSize))},
		}
		return out
	})
	log.Trace(log.Spill, "spill simd", "xmm", xmm, "slot", slot)
	return out
}

// RestoreSIMD is the symmetric restore: load the pointer, then movdqa from
// [scratch+slot*64] back into xmm.
func (e *SpillEmitter) RestoreSIMD(xmm RegID, slot int, scratch RegID) []EmittedInstr {
	hidden := e.slots.HiddenSlot()
	var out []EmittedInstr
	e.unconditional(func() []EmittedInstr {
		out = []EmittedInstr{
			{Kind: EmitSIMDPtrLoad, Class: ClassGPR, Reg: scratch, Slot: hidden, Bytes: encodeSIMDBlockPtrLoad(scratch, slotDisp(hidden))},
			{Kind: EmitSIMDRestore, Class: ClassSIMD128, Reg: xmm, Scratch: scratch, Slot: slot, Bytes: encodeSIMDLoad(xmm, scratch, int32(slot*simdSlotSize))},
		}
		return out
	})
	log.Trace(log.Spill, "restore simd", "xmm", xmm, "slot", slot)
	return out
}

// CaptureFlags emits `lahf; seto <ovf>` -- the flags-to-GPR capture
// sequence. ovf is a byte-addressable register distinct from AX that ends
// up holding the overflow bit; AH keeps the other five flags.
func (e *SpillEmitter) CaptureFlags(ovf RegID) []EmittedInstr {
	var out []EmittedInstr
	e.unconditional(func() []EmittedInstr {
		out = []EmittedInstr{
			{Kind: EmitFlagsCapture, Reg: FlagsAccumulator, Bytes: encodeLAHF()},
			{Kind: EmitFlagsCapture, Reg: ovf, Bytes: encodeSETO(ovf)},
		}
		return out
	})
	return out
}

// ReleaseFlags emits `sahf`, writing AH back into SF:ZF:AF:PF:CF. The
// overflow bit is folded in by the caller before this point (see flags.go).
func (e *SpillEmitter) ReleaseFlags() EmittedInstr {
	return EmittedInstr{Kind: EmitFlagsRelease, Reg: FlagsAccumulator, Bytes: encodeSAHF()}
}
