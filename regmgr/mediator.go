package regmgr

import (
	"sync"

	"github.com/colorfulnotion/pvmreg/log"
)

// Options configures a Mediator; Init merges concurrent callers' options
// per the rules in the design: slot counts sum unless DoNotSumSlots is set
// anywhere (then the max wins), Conservative is OR'd across callers, and
// ErrorCallback is first-writer-wins.
type Options struct {
	NumSpillSlots int
	NumSIMDSlots  int
	DoNotSumSlots bool
	Conservative  bool
	ErrorCallback func(Status) bool
}

var (
	globalMu        sync.Mutex
	globalInitCount int
	globalOpts      Options
)

// Init merges opts into the process-wide configuration and bumps the
// reference count. The merged configuration only takes effect for
// Mediators created after the first successful Init call in a fresh
// (count==0) cycle.
func Init(opts Options) Status {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalInitCount == 0 {
		globalOpts = opts
	} else {
		if opts.DoNotSumSlots || globalOpts.DoNotSumSlots {
			globalOpts.DoNotSumSlots = true
			if opts.NumSpillSlots > globalOpts.NumSpillSlots {
				globalOpts.NumSpillSlots = opts.NumSpillSlots
			}
			if opts.NumSIMDSlots > globalOpts.NumSIMDSlots {
				globalOpts.NumSIMDSlots = opts.NumSIMDSlots
			}
		} else {
			globalOpts.NumSpillSlots += opts.NumSpillSlots
			globalOpts.NumSIMDSlots += opts.NumSIMDSlots
		}
		globalOpts.Conservative = globalOpts.Conservative || opts.Conservative
		if globalOpts.ErrorCallback == nil {
			globalOpts.ErrorCallback = opts.ErrorCallback
		}
	}
	globalInitCount++
	log.Debug(log.Lifecycle, "init", "refcount", globalInitCount, "slots", globalOpts.NumSpillSlots, "simd", globalOpts.NumSIMDSlots)
	return Success
}

// Exit decrements the process-wide reference count. The last caller out
// resets globalOpts to its zero value.
func Exit() Status {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalInitCount == 0 {
		return ErrGeneric
	}
	globalInitCount--
	log.Debug(log.Lifecycle, "exit", "refcount", globalInitCount)
	if globalInitCount == 0 {
		globalOpts = Options{}
	}
	return Success
}

func snapshotOptions() Options {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalOpts
}

func reportError(opts Options, s Status) {
	if opts.ErrorCallback != nil && !opts.ErrorCallback(s) {
		log.Crit(log.Lifecycle, "error callback vetoed continuation", "status", s)
	}
}

// LiveContext is the host's accessor for a thread's real machine context,
// used by the handful of operations that need to read or patch actual
// register content rather than reason about spill bookkeeping.
type LiveContext interface {
	ReadGPR(id RegID) uint64
	WriteGPR(id RegID, v uint64)
	ReadSIMD(id RegID) [16]byte
	WriteSIMD(id RegID, v [16]byte)
	WriteArithFlags(v ArithFlagSet)
}

// ReservationInfo answers reservation_info_ex: what a register currently
// holds from this core's point of view.
type ReservationInfo struct {
	Reserved bool
	Native   bool
	Holds    RegID // itself unless an exchange is in effect
}

// Mediator is the per-thread entry point a host DBI runtime drives through
// one basic block at a time: BeginBlock, a Visit call per instruction, then
// EndBlock.
type Mediator struct {
	opts Options

	bank  *RegisterBank
	slots *SlotStore
	emit  *SpillEmitter
	flags *FlagsEngine
	rsv   *Reserver
	ins   *InsertionDriver
	fault *FaultRewriter

	lv    *LivenessVectors
	block []HostInstr
	pos   int
}

// NewMediator creates a per-thread Mediator against the process-wide
// options established by the most recent Init. pred lets the host's
// auto-predication state be saved/restored around emitted spill code; it
// may be nil on architectures without predication.
func NewMediator(dr DRSlotProvider, pred PredicateState) *Mediator {
	opts := snapshotOptions()
	numDirect := opts.NumSpillSlots
	if numDirect < 1 {
		numDirect = 1 // slot 0 for flags, always present
	}
	numSIMD := opts.NumSIMDSlots
	hasSIMD := numSIMD > 0
	if hasSIMD {
		numDirect++ // hidden pointer slot
	}

	slots := NewSlotStore(numDirect, numSIMD, dr)
	bank := NewRegisterBank(NumXMM)
	emit := NewSpillEmitter(slots, pred)
	fl := NewFlagsEngine(bank, slots, emit)
	rsv := NewReserver(bank, slots, emit, fl, opts.Conservative)

	m := &Mediator{
		opts:  opts,
		bank:  bank,
		slots: slots,
		emit:  emit,
		flags: fl,
		rsv:   rsv,
		ins:   NewInsertionDriver(bank, slots, emit, fl),
		fault: NewFaultRewriter(slots),
	}
	log.Debug(log.Lifecycle, "mediator created", "directSlots", slots.NumDirect(), "simdSlots", slots.NumSIMD())
	return m
}

// StealRegister reserves gpr for the host's own exclusive use; the Reserver
// will never hand it out.
func (m *Mediator) StealRegister(gpr RegID) { m.bank.SetStolenGPR(gpr) }

// BeginBlock runs liveness analysis over block and prepares the mediator to
// receive one Visit call per instruction, in order.
func (m *Mediator) BeginBlock(block []HostInstr, props BBProperty) {
	m.block = block
	m.lv = ScanBackward(block, int(NumGPR), NumXMM)
	m.pos = 0
	m.bank.ResetAppUses()
	for _, ins := range block {
		for r := 0; r < int(NumGPR); r++ {
			if ins.ReadsGPR(RegID(r)) || ins.WritesGPRExact(RegID(r)) {
				m.bank.BumpAppUse(ClassGPR, RegID(r))
			}
		}
	}
	m.ins.SetBBProperties(props)
	log.Trace(log.Insertion, "begin block", "instrs", len(block), "props", props)
}

// SetBBProperties updates the current block's properties mid-stream, e.g.
// once a client discovers the block contains internal control flow.
func (m *Mediator) SetBBProperties(props BBProperty) { m.ins.SetBBProperties(props) }

// ReserveRegister implements reserve_register: pick a register of class
// from allowed (0 meaning "any"), spilling if necessary.
func (m *Mediator) ReserveRegister(class RegClass, allowed AllowedSet) (RegID, []EmittedInstr, Status) {
	m.rsv.SetPosition(m.lv, m.pos)
	rid, insts, st := m.rsv.Reserve(class, allowed, false)
	if !st.Ok() {
		reportError(m.opts, st)
	}
	return rid, insts, st
}

// ReserveRegisterOnlyIfFree is reserve_register with onlyIfFree set: it
// fails rather than spill a live register.
func (m *Mediator) ReserveRegisterOnlyIfFree(class RegClass, allowed AllowedSet) (RegID, Status) {
	m.rsv.SetPosition(m.lv, m.pos)
	rid, _, st := m.rsv.Reserve(class, allowed, true)
	return rid, st
}

// ReserveDeadRegister implements reserve_dead_register.
func (m *Mediator) ReserveDeadRegister(class RegClass, allowed AllowedSet) (RegID, Status) {
	m.rsv.SetPosition(m.lv, m.pos)
	return m.rsv.ReserveDead(class, allowed)
}

// UnreserveRegister implements unreserve_register.
func (m *Mediator) UnreserveRegister(class RegClass, rid RegID) Status {
	return m.rsv.Unreserve(class, rid)
}

// ReserveAFlags implements reserve_aflags.
func (m *Mediator) ReserveAFlags() ([]EmittedInstr, Status) {
	live := m.lv.FlagsAt(m.pos) != 0
	accumDead := m.lv.GPRAt(FlagsAccumulator, m.pos) == GPRDead
	ovfDead := m.lv.GPRAt(overflowCarrier, m.pos) == GPRDead
	insts, st := m.flags.ReserveFlags(live, accumDead, ovfDead)
	if !st.Ok() {
		reportError(m.opts, st)
	}
	return insts, st
}

// UnreserveAFlags implements unreserve_aflags during block insertion.
func (m *Mediator) UnreserveAFlags() []EmittedInstr { return m.flags.UnreserveFlags(true) }

// RestoreAppAFlags implements restore_app_aflags.
func (m *Mediator) RestoreAppAFlags(release bool) []EmittedInstr {
	return m.flags.RestoreAppFlags(release)
}

// IsRegisterDead implements is_register_dead at the current position.
func (m *Mediator) IsRegisterDead(class RegClass, rid RegID) bool {
	if class == ClassGPR {
		return m.lv.GPRAt(rid, m.pos) == GPRDead
	}
	return m.lv.SIMDAt(rid, m.pos) < SIMDXMMLive
}

// AFlagsLiveness implements aflags_liveness: the subset of arithmetic flags
// still read later in the block from the current position.
func (m *Mediator) AFlagsLiveness() ArithFlagSet { return m.lv.FlagsAt(m.pos) }

// ReservationInfoEx implements reservation_info_ex.
func (m *Mediator) ReservationInfoEx(class RegClass, rid RegID) ReservationInfo {
	st := m.bank.State(class, rid)
	holds := rid
	if st.Xchg != noXchg {
		holds = st.Xchg
	}
	return ReservationInfo{Reserved: st.InUse, Native: st.Native, Holds: holds}
}

// GetAppValue implements get_app_value: read a register's application
// value, either straight out of ctx (native) or out of its spill slot. A
// non-native register that was never spilled has no app value to read and
// yields ErrNoAppValue.
func (m *Mediator) GetAppValue(ctx LiveContext, class RegClass, rid RegID) (uint64, [16]byte, Status) {
	st := m.bank.State(class, rid)
	if st.Native {
		if class == ClassGPR {
			return ctx.ReadGPR(rid), [16]byte{}, Success
		}
		return 0, ctx.ReadSIMD(rid), Success
	}
	if st.Slot < 0 || !st.EverSpilled {
		return 0, [16]byte{}, ErrNoAppValue
	}
	if class == ClassGPR {
		return m.slots.ReadDirect(st.Slot), [16]byte{}, Success
	}
	return 0, m.slots.ReadSIMD(st.Slot), Success
}

// RestoreAppValues implements restore_app_values: write every non-native
// register's app value back into ctx, and mark everything native again.
// Used when a client needs the full app context visible, e.g. before a
// clean call.
func (m *Mediator) RestoreAppValues(ctx LiveContext) Status {
	for id := 0; id < int(NumGPR); id++ {
		rid := RegID(id)
		st := m.bank.State(ClassGPR, rid)
		if st.Native {
			continue
		}
		if st.Slot >= 0 {
			ctx.WriteGPR(rid, m.slots.ReadDirect(st.Slot))
		}
		m.bank.ReleaseSlot(ClassGPR, rid, st.Slot)
		m.bank.MarkRestored(ClassGPR, rid)
	}
	n := m.bank.Count(ClassSIMD128)
	for id := 0; id < n; id++ {
		rid := RegID(id)
		st := m.bank.State(ClassSIMD128, rid)
		if st.Native {
			continue
		}
		if st.Slot >= 0 {
			ctx.WriteSIMD(rid, m.slots.ReadSIMD(st.Slot))
		}
		m.bank.ReleaseSlot(ClassSIMD128, rid, st.Slot)
		m.bank.MarkRestored(ClassSIMD128, rid)
	}
	switch m.flags.State() {
	case FlagsInMemory:
		ctx.WriteArithFlags(ArithFlagSet(m.slots.ReadDirect(flagsSlot)))
	case FlagsInReg, FlagsInRegInUse:
		// lahf loads AH with exactly EFLAGS[7:0], so the captured AH byte
		// already is CF/PF/AF/ZF/SF in place; seto contributes OF.
		ah := (ctx.ReadGPR(FlagsAccumulator) >> 8) & 0xff
		ovf := ctx.ReadGPR(overflowCarrier) & 1
		ctx.WriteArithFlags(ArithFlagSet(ah) | ArithFlagSet(ovf<<11))
	}
	m.flags.RestoreAppFlags(true)
	log.Trace(log.Insertion, "restore_app_values complete")
	return Success
}

// StatelesslyRestoreAppValue implements statelessly_restore_app_value:
// write rid's app value into ctx without touching any reservation
// bookkeeping, for a caller that just needs a peek.
func (m *Mediator) StatelesslyRestoreAppValue(ctx LiveContext, class RegClass, rid RegID) Status {
	v, simdv, st := m.GetAppValue(ctx, class, rid)
	if !st.Ok() {
		return st
	}
	if class == ClassGPR {
		ctx.WriteGPR(rid, v)
	} else {
		ctx.WriteSIMD(rid, simdv)
	}
	return Success
}

// Visit runs the insertion driver's before/after hooks for the instruction
// at the mediator's current position, then advances the position.
func (m *Mediator) Visit(instr HostInstr, isLast bool) (before, after []EmittedInstr) {
	before = m.ins.Before(m.lv, m.pos, instr, isLast)
	after = m.ins.After(m.lv, m.pos, instr)
	m.pos++
	return before, after
}

// IsInstrSpillOrRestore implements is_instr_spill_or_restore: true if e
// was produced by this core's own spill/restore machinery.
func IsInstrSpillOrRestore(e *EmittedInstr) bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case EmitSpillDirect, EmitRestoreDirect, EmitSIMDSpill, EmitSIMDRestore, EmitFlagsCapture, EmitFlagsRelease:
		return true
	default:
		return false
	}
}

// EndBlock checks the conservation invariant (every register and the
// flags back to native) and resets per-block state.
func (m *Mediator) EndBlock() Status {
	ok := m.ins.AssertConservation()
	m.block = nil
	m.lv = nil
	m.pos = 0
	if !ok {
		reportError(m.opts, ErrGeneric)
		return ErrGeneric
	}
	return Success
}

// Fault runs the fault rewriter over frag up to faultPCOffset and returns
// the reconstructed app values for every register that was non-native.
func (m *Mediator) Fault(frag []FragmentInstr, faultPCOffset int) (RestoreMap, Status) {
	idx, st := m.fault.LocateFault(frag, faultPCOffset)
	if !st.Ok() {
		return RestoreMap{}, st
	}
	return m.fault.Rewrite(frag, idx)
}
