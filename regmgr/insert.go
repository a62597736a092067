package regmgr

import "github.com/colorfulnotion/pvmreg/log"

// InsertionDriver is the per-instruction hook that performs lazy restores
// before an app instruction reads a register and lazy re-spills after it
// writes one, per the exact ordering rule in the design: when both a
// pre-restore and a post-spill apply to the same register at the same
// instruction, the emitted sequence is
//
//	spill tool->tmp; restore app->reg; <app instr>; spill reg->appslot; restore tmp->reg
//
// -- four emitted instructions sandwiching the app instruction. The fault
// rewriter depends on this exact shape (see fault.go).
type InsertionDriver struct {
	bank  *RegisterBank
	slots *SlotStore
	emit  *SpillEmitter
	flags *FlagsEngine

	sandwichTmp map[regRef]int // temp slot chosen in Before(), consumed in After()
	props       BBProperty
}

func NewInsertionDriver(bank *RegisterBank, slots *SlotStore, emit *SpillEmitter, flags *FlagsEngine) *InsertionDriver {
	return &InsertionDriver{bank: bank, slots: slots, emit: emit, flags: flags, sandwichTmp: map[regRef]int{}}
}

func (d *InsertionDriver) SetBBProperties(p BBProperty) { d.props = p }

// Before runs the pre-instruction half of the hook: flags first, then every
// non-native register. lv/pos locate this instruction in the block's
// liveness vectors; isLast marks the final instruction of the block.
func (d *InsertionDriver) Before(lv *LivenessVectors, pos int, instr HostInstr, isLast bool) []EmittedInstr {
	var out []EmittedInstr

	if d.flags.state != FlagsNative {
		written := instr.FlagsWritten()
		partialWrite := written != 0 && written != AllArithFlags
		if isLast || instr.FlagsRead() != 0 || partialWrite {
			out = append(out, d.flags.RestoreAppFlags(!d.flagsReserved())...)
		}
	}

	for id := 0; id < int(NumGPR); id++ {
		out = append(out, d.beforeReg(ClassGPR, RegID(id), lv, pos, instr, isLast)...)
	}
	n := d.bank.Count(ClassSIMD128)
	for id := 0; id < n; id++ {
		out = append(out, d.beforeReg(ClassSIMD128, RegID(id), lv, pos, instr, isLast)...)
	}
	return out
}

func (d *InsertionDriver) flagsReserved() bool {
	return d.flags.reserved
}

func (d *InsertionDriver) beforeReg(class RegClass, rid RegID, lv *LivenessVectors, pos int, instr HostInstr, isLast bool) []EmittedInstr {
	st := d.bank.State(class, rid)
	if st.Native {
		return nil
	}

	reads := class == ClassGPR && instr.ReadsGPR(rid) ||
		class == ClassSIMD128 && instr.SIMDReadWidth(rid) != WidthNone
	partialWrite := class == ClassGPR && instr.WritesGPRPartial(rid)
	condWrite := class == ClassGPR && instr.WritesGPRConditionally(rid)
	hostVolatile := !st.Native && st.Xchg == noXchg && d.slots.IsHostSlot(st.Slot)
	spanningAndUnreserved := d.props&ContainsSpanningControlFlow != 0 && !st.InUse
	// A full write to a register the tool still has reserved would otherwise
	// clobber the tool's value with no spill ever emitted for it, since an
	// exact write on its own doesn't need the app value restored for a
	// read -- it needs the tool's value saved off before the app overwrites
	// the register. Only matters while the register is still in_use; an
	// unreserved register being overwritten is handled by the stale-spill
	// drop in afterReg instead.
	exactWriteToReserved := st.InUse && (class == ClassGPR && instr.WritesGPRExact(rid) ||
		class == ClassSIMD128 && instr.SIMDWriteWidth(rid) != WidthNone)

	if !(isLast || reads || partialWrite || condWrite || hostVolatile || spanningAndUnreserved || exactWriteToReserved) {
		return nil
	}

	if st.InUse {
		// Temp-slot sandwich: the tool still wants this register after the
		// app instruction runs, so park the tool value and bring the app
		// value in for the duration of one instruction.
		tmp, ok := d.allocTempSlot(class)
		if !ok {
			log.Error(log.Insertion, "out of temp slots for sandwich", "class", class, "reg", rid)
			return nil
		}
		d.sandwichTmp[regRef{class, rid}] = tmp
		var out []EmittedInstr
		if class == ClassGPR {
			out = append(out, d.emit.SpillGPR(rid, tmp))
			out = append(out, d.emit.RestoreGPR(rid, st.Slot))
		} else {
			scratch := d.scratchFor(rid)
			out = append(out, d.emit.SpillSIMD(rid, tmp, scratch)...)
			out = append(out, d.emit.RestoreSIMD(rid, st.Slot, scratch)...)
		}
		return out
	}

	// Unconditional lazy restore: the app value comes back for good.
	var out []EmittedInstr
	if class == ClassGPR {
		out = append(out, d.emit.RestoreGPR(rid, st.Slot))
	} else {
		out = append(out, d.emit.RestoreSIMD(rid, st.Slot, d.scratchFor(rid))...)
	}
	d.bank.ReleaseSlot(class, rid, st.Slot)
	d.bank.MarkRestored(class, rid)
	return out
}

func (d *InsertionDriver) scratchFor(rid RegID) RegID {
	for id := 0; id < int(NumGPR); id++ {
		r := RegID(id)
		if r == RSP {
			continue
		}
		if !d.bank.State(ClassGPR, r).InUse {
			return r
		}
	}
	return R11
}

// allocTempSlot finds a free slot distinct from any currently owned, used
// only for the lifetime of one sandwich.
func (d *InsertionDriver) allocTempSlot(class RegClass) (int, bool) {
	if class == ClassGPR {
		for s := 1; s < d.slots.NumDirect(); s++ {
			if _, _, used := d.bank.SlotOwner(s); !used {
				return s, true
			}
		}
		return 0, false
	}
	for s := 0; s < d.slots.NumSIMD(); s++ {
		if _, _, used := d.bank.SlotOwner(s); !used {
			return s, true
		}
	}
	return 0, false
}

// After runs the post-instruction half: flags re-spill, tool re-spills,
// and dropping stale spilled values for registers the app just overwrote.
func (d *InsertionDriver) After(lv *LivenessVectors, pos int, instr HostInstr) []EmittedInstr {
	var out []EmittedInstr

	if d.flagsReserved() && instr.FlagsWritten() != 0 {
		if lv.FlagsAt(pos+1)&instr.FlagsWritten() != 0 {
			if d.flags.state == FlagsInRegInUse {
				d.flags.Evict()
			}
		}
	}

	for id := 0; id < int(NumGPR); id++ {
		out = append(out, d.afterReg(ClassGPR, RegID(id), lv, pos, instr)...)
	}
	n := d.bank.Count(ClassSIMD128)
	for id := 0; id < n; id++ {
		out = append(out, d.afterReg(ClassSIMD128, RegID(id), lv, pos, instr)...)
	}
	return out
}

func (d *InsertionDriver) afterReg(class RegClass, rid RegID, lv *LivenessVectors, pos int, instr HostInstr) []EmittedInstr {
	writes := class == ClassGPR && (instr.WritesGPRExact(rid) || instr.WritesGPRPartial(rid) || instr.WritesGPRConditionally(rid)) ||
		class == ClassSIMD128 && instr.SIMDWriteWidth(rid) != WidthNone

	st := d.bank.State(class, rid)
	ref := regRef{class, rid}
	tmp, sandwiched := d.sandwichTmp[ref]

	if sandwiched {
		// The sandwich must close regardless of whether the app instruction
		// wrote rid: a read-only instruction leaves the app slot already
		// consistent, but the tool's value still needs to come back.
		var out []EmittedInstr
		if writes {
			needed := class == ClassGPR && lv.GPRAt(rid, pos+1) != GPRDead ||
				class == ClassSIMD128 && lv.SIMDAt(rid, pos+1) >= SIMDXMMLive
			if needed {
				if class == ClassGPR {
					out = append(out, d.emit.SpillGPR(rid, st.Slot))
				} else {
					out = append(out, d.emit.SpillSIMD(rid, st.Slot, d.scratchFor(rid))...)
				}
				st.EverSpilled = true
			}
		}
		if class == ClassGPR {
			out = append(out, d.emit.RestoreGPR(rid, tmp))
		} else {
			out = append(out, d.emit.RestoreSIMD(rid, tmp, d.scratchFor(rid))...)
		}
		d.bank.ReleaseSlot(class, rid, tmp)
		delete(d.sandwichTmp, ref)
		return out
	}

	if !writes {
		return nil
	}

	if st.InUse {
		// beforeReg always opens a sandwich ahead of a write to an in_use
		// register (see exactWriteToReserved), so this path is only reached
		// if that invariant is ever violated; spill defensively rather than
		// lose the tool's value silently.
		needed := class == ClassGPR && lv.GPRAt(rid, pos+1) != GPRDead ||
			class == ClassSIMD128 && lv.SIMDAt(rid, pos+1) >= SIMDXMMLive
		if !needed {
			return nil
		}
		if class == ClassGPR {
			return []EmittedInstr{d.emit.SpillGPR(rid, st.Slot)}
		}
		return d.emit.SpillSIMD(rid, st.Slot, d.scratchFor(rid))
	}

	if !st.Native {
		// Unreserved, non-native, and the app just overwrote it: the
		// spilled copy is now stale, drop it outright.
		d.bank.ReleaseSlot(class, rid, st.Slot)
		d.bank.MarkRestored(class, rid)
		log.Trace(log.Insertion, "drop stale spill", "class", class, "reg", rid)
	}
	return nil
}

// AssertConservation reports whether the block ended fully native (every
// register native and unused, no slot owned, flags native and unreserved),
// matching the conservation invariant in the design. It does not panic;
// Mediator.EndBlock reports a false result as an error.
func (d *InsertionDriver) AssertConservation() bool {
	return d.bank.AllNative() && d.flags.state == FlagsNative && !d.flags.reserved
}
