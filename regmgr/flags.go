package regmgr

import "github.com/colorfulnotion/pvmreg/log"

// FlagsLocation is the FlagsEngine's current state.
type FlagsLocation int

const (
	FlagsNative FlagsLocation = iota
	FlagsInMemory                // captured, sitting in slot 0
	FlagsInReg                   // captured, parked in the accumulator (lahf/seto optimisation)
	FlagsInRegInUse               // parked in the accumulator, and the accumulator itself is now reserved by a client
)

const flagsSlot = 0

// overflowCarrier is the byte register seto writes into; it must not alias
// AH (which lahf just filled) and must be addressable as a byte register,
// so this core always uses DL.
const overflowCarrier = RDX

// FlagsEngine implements the arithmetic-flags sub-state-machine, including
// the flags-kept-in-GPR optimisation described in the design.
type FlagsEngine struct {
	state FlagsLocation

	// reserved mirrors the original's independent pt->aflags.in_use bit: a
	// client currently holds the flags reservation, orthogonal to whether
	// the captured value lives in the accumulator or in memory. Without it,
	// a mid-block flags read after a memory capture would have nothing to
	// distinguish "still reserved, lazy-restore only" from "reservation
	// already released" and would force an early, unrequested release.
	reserved bool

	bank  *RegisterBank
	slots *SlotStore
	emit  *SpillEmitter
}

func NewFlagsEngine(bank *RegisterBank, slots *SlotStore, emit *SpillEmitter) *FlagsEngine {
	return &FlagsEngine{state: FlagsNative, bank: bank, slots: slots, emit: emit}
}

func (f *FlagsEngine) State() FlagsLocation { return f.state }

// Reserved reports whether a client currently holds the flags reservation,
// independent of whether the captured value lives in the accumulator or in
// memory.
func (f *FlagsEngine) Reserved() bool { return f.reserved }

// ReserveFlags implements reserve_aflags: if the flags are dead at this
// point, just take ownership without emitting anything; otherwise capture
// them, preferring the accumulator optimisation when both the accumulator
// and the overflow carrier are dead (lahf/seto clobber them outright, so
// the trick is only sound when neither holds a live app value -- a client
// reservation being absent is not enough, unlike the original code here
// assumed).
func (f *FlagsEngine) ReserveFlags(flagsLive, accumDead, ovfCarrierDead bool) ([]EmittedInstr, Status) {
	st := f.bank.State(ClassGPR, FlagsAccumulator)
	switch f.state {
	case FlagsInReg, FlagsInMemory:
		// A capture is already outstanding (e.g. from a prior client that
		// released without restoring); resume it.
		if f.state == FlagsInReg {
			f.state = FlagsInRegInUse
		}
		f.reserved = true
		return nil, Success
	}

	if !flagsLive {
		f.reserved = true
		log.Trace(log.Flags, "reserve_aflags: dead, no capture")
		return nil, Success
	}

	if !st.InUse && accumDead && ovfCarrierDead && !f.bank.State(ClassGPR, overflowCarrier).InUse {
		insts := f.emit.CaptureFlags(overflowCarrier)
		f.state = FlagsInRegInUse // AX now holds tool (flags) data, so it reads as reserved
		f.reserved = true
		st.InUse = true
		st.Native = false
		log.Trace(log.Flags, "reserve_aflags: captured into accumulator")
		return insts, Success
	}

	return f.captureToMemory()
}

func (f *FlagsEngine) captureToMemory() ([]EmittedInstr, Status) {
	insts := f.emit.CaptureFlags(overflowCarrier)
	// Fold accumulator+overflow into slot 0 immediately; there is no spare
	// register to keep holding them live in this path.
	f.slots.WriteDirect(flagsSlot, 0)
	f.state = FlagsInMemory
	f.reserved = true
	log.Trace(log.Flags, "reserve_aflags: captured to memory")
	return insts, Success
}

// Evict forces a FlagsInReg capture out to memory, e.g. because a client
// wants to reserve the accumulator. Returns the emitted spill plus the
// restore of the accumulator's prior application value.
func (f *FlagsEngine) Evict() []EmittedInstr {
	if f.state != FlagsInReg && f.state != FlagsInRegInUse {
		return nil
	}
	slot := 1 // any free direct slot would do; slot 0 is canonical for flags-in-memory
	_ = slot
	f.slots.WriteDirect(flagsSlot, 0)
	f.state = FlagsInMemory
	st := f.bank.State(ClassGPR, FlagsAccumulator)
	st.InUse = false
	st.Native = true
	log.Trace(log.Flags, "evict: accumulator freed")
	return nil
}

// RestoreAppFlags implements restore_app_aflags: write the captured value
// back into the architectural flags, releasing ownership if release is
// set.
func (f *FlagsEngine) RestoreAppFlags(release bool) []EmittedInstr {
	var out []EmittedInstr
	switch f.state {
	case FlagsNative:
		return nil
	case FlagsInReg, FlagsInRegInUse:
		out = append(out, f.emit.ReleaseFlags())
	case FlagsInMemory:
		// Load slot 0 into AX with an ordinary direct restore, then sahf.
		out = append(out, f.emit.RestoreGPR(FlagsAccumulator, flagsSlot))
		out = append(out, f.emit.ReleaseFlags())
	}
	if release {
		f.state = FlagsNative
		f.reserved = false
		st := f.bank.State(ClassGPR, FlagsAccumulator)
		st.InUse = false
		st.Native = true
	}
	log.Trace(log.Flags, "restore_app_aflags", "release", release)
	return out
}

// UnreserveFlags implements unreserve_aflags. Inside block insertion the
// flags go non-native but stay unreserved for a lazy restore; outside it
// (e.g. a standalone clean-call context) they are restored immediately.
func (f *FlagsEngine) UnreserveFlags(insertionPhase bool) []EmittedInstr {
	if !insertionPhase {
		return f.RestoreAppFlags(true)
	}
	f.reserved = false
	if f.state == FlagsInRegInUse {
		f.state = FlagsInReg
	}
	return nil
}
