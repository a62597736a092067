package regmgr

import "github.com/colorfulnotion/pvmreg/log"

// AllowedSet is a bitmask over RegID (bit i => register i may be chosen).
// A nil/zero AllowedSet means "every non-reserved register is allowed".
type AllowedSet uint64

func (a AllowedSet) allows(r RegID) bool {
	if a == 0 {
		return true
	}
	return a&(1<<uint(r)) != 0
}

// Reserver implements the register-selection algorithm: given a class and
// an allowed set, pick a register according to the five-step order in the
// design, allocate it a slot, and emit a spill if the chosen register was
// live.
type Reserver struct {
	bank       *RegisterBank
	slots      *SlotStore
	emit       *SpillEmitter
	flags      *FlagsEngine
	lv         *LivenessVectors
	pos        int // current instruction position into lv
	conservative bool
}

func NewReserver(bank *RegisterBank, slots *SlotStore, emit *SpillEmitter, flags *FlagsEngine, conservative bool) *Reserver {
	return &Reserver{bank: bank, slots: slots, emit: emit, flags: flags, conservative: conservative}
}

// SetPosition points the reserver at position pos in lv, the liveness
// vectors for the block currently being inserted.
func (r *Reserver) SetPosition(lv *LivenessVectors, pos int) {
	r.lv = lv
	r.pos = pos
}

func (r *Reserver) liveAt(class RegClass, id RegID) bool {
	if r.lv == nil {
		return true // conservative default outside the block-scanning path
	}
	if class == ClassGPR {
		return r.lv.GPRAt(id, r.pos) != GPRDead
	}
	return r.lv.SIMDAt(id, r.pos) >= SIMDXMMLive
}

// Reserve picks a register of class from allowed and marks it in_use.
// It returns the register id, any spill instruction that had to be
// emitted, and a Status.
func (r *Reserver) Reserve(class RegClass, allowed AllowedSet, onlyIfFree bool) (RegID, []EmittedInstr, Status) {
	if class != ClassGPR && class != ClassSIMD128 {
		return 0, nil, ErrFeatureNotAvailable
	}
	n := r.bank.Count(class)

	// Step 1: un-restored reuse.
	if r.bank.PendingUnrestored() > 0 {
		for id := 0; id < n; id++ {
			rid := RegID(id)
			if class == ClassGPR && (r.bank.IsStolen(rid) || rid == RSP) {
				continue
			}
			st := r.bank.State(class, rid)
			if st.Native || st.InUse {
				continue
			}
			if !allowed.allows(rid) {
				continue
			}
			if onlyIfFree && r.liveAt(class, rid) {
				continue
			}
			st.InUse = true
			r.bank.pendingUnrestored--
			log.Trace(log.Reservation, "reuse unrestored", "class", class, "reg", id)
			return rid, nil, Success
		}
	}

	// Step 2: dead register, skipping sp/stolen/pc.
	for id := 0; id < n; id++ {
		rid := RegID(id)
		if class == ClassGPR && (r.bank.IsStolen(rid) || rid == RSP) {
			continue
		}
		if !allowed.allows(rid) {
			continue
		}
		st := r.bank.State(class, rid)
		if st.InUse {
			continue
		}
		if r.liveAt(class, rid) {
			continue
		}
		return r.commit(class, rid, false)
	}

	if onlyIfFree {
		return 0, nil, ErrRegConflict
	}

	// Step 3: least-used live register.
	best := -1
	bestUses := int(^uint(0) >> 1)
	for id := 0; id < n; id++ {
		rid := RegID(id)
		if class == ClassGPR && (r.bank.IsStolen(rid) || rid == RSP) {
			continue
		}
		if !allowed.allows(rid) {
			continue
		}
		st := r.bank.State(class, rid)
		if st.InUse {
			continue
		}
		if st.appUses < bestUses {
			bestUses = st.appUses
			best = id
		}
	}
	if best >= 0 {
		return r.commit(class, RegID(best), true)
	}

	// Step 4: flags-carrier bail-out.
	if class == ClassGPR && allowed.allows(FlagsAccumulator) {
		if r.flags != nil && (r.flags.State() == FlagsInReg || r.flags.State() == FlagsInRegInUse) {
			r.flags.Evict()
			st := r.bank.State(ClassGPR, FlagsAccumulator)
			if !st.InUse {
				return r.commit(ClassGPR, FlagsAccumulator, r.liveAt(ClassGPR, FlagsAccumulator))
			}
		}
	}

	return 0, nil, ErrRegConflict
}

func (r *Reserver) commit(class RegClass, rid RegID, forceSpillCheck bool) (RegID, []EmittedInstr, Status) {
	slot, ok := r.allocSlot(class)
	if !ok {
		return 0, nil, ErrOutOfSlots
	}
	st := r.bank.State(class, rid)
	live := r.liveAt(class, rid)
	var out []EmittedInstr
	if live || r.conservative {
		out = r.spill(class, rid, slot)
		st.EverSpilled = true
	}
	st.InUse = true
	st.Native = false
	r.bank.AssignSlot(class, rid, slot)
	log.Trace(log.Reservation, "reserve", "class", class, "reg", rid, "slot", slot, "spilled", live || r.conservative)
	return rid, out, Success
}

// allocSlot finds the first free slot for class: 1..numDirect for GPR
// (slot 0 is reserved for flags), 0..numSIMD for SIMD.
func (r *Reserver) allocSlot(class RegClass) (int, bool) {
	if class == ClassGPR {
		for s := 1; s < r.slots.NumDirect(); s++ {
			if _, _, used := r.bank.SlotOwner(s); !used {
				return s, true
			}
		}
		return 0, false
	}
	for s := 0; s < r.slots.NumSIMD(); s++ {
		if _, _, used := r.bank.SlotOwner(s); !used {
			return s, true
		}
	}
	return 0, false
}

func (r *Reserver) spill(class RegClass, rid RegID, slot int) []EmittedInstr {
	if class == ClassGPR {
		return []EmittedInstr{r.emit.SpillGPR(rid, slot)}
	}
	scratch := r.pickScratchGPR()
	return r.emit.SpillSIMD(rid, slot, scratch)
}

// pickScratchGPR finds a dead, non-reserved GPR to hold the SIMD block
// pointer during an indirect spill/restore. Falls back to R11 (a
// caller-clobbered register on every calling convention this core targets)
// if nothing is free, matching the spec's "a scratch GPR must be reserved
// each time" requirement without recursing into the full reservation path.
func (r *Reserver) pickScratchGPR() RegID {
	for id := 0; id < int(NumGPR); id++ {
		rid := RegID(id)
		if rid == RSP || r.bank.IsStolen(rid) {
			continue
		}
		st := r.bank.State(ClassGPR, rid)
		if !st.InUse && !r.liveAt(ClassGPR, rid) {
			return rid
		}
	}
	return R11
}

// ReserveDead implements reserve_dead_register: succeeds only if a dead
// register is available, never spills.
func (r *Reserver) ReserveDead(class RegClass, allowed AllowedSet) (RegID, Status) {
	if class != ClassGPR && class != ClassSIMD128 {
		return 0, ErrFeatureNotAvailable
	}
	n := r.bank.Count(class)
	for id := 0; id < n; id++ {
		rid := RegID(id)
		if class == ClassGPR && (r.bank.IsStolen(rid) || rid == RSP) {
			continue
		}
		if !allowed.allows(rid) {
			continue
		}
		st := r.bank.State(class, rid)
		if st.InUse || r.liveAt(class, rid) {
			continue
		}
		slot, ok := r.allocSlot(class)
		if !ok {
			return 0, ErrOutOfSlots
		}
		st.InUse = true
		st.Native = false
		r.bank.AssignSlot(class, rid, slot)
		return rid, Success
	}
	return 0, ErrRegConflict
}

// Unreserve releases a client's hold on rid. If the register still carries
// an app value it is scheduled for lazy restore rather than restored
// immediately (the InsertionDriver performs the actual restore).
func (r *Reserver) Unreserve(class RegClass, rid RegID) Status {
	st := r.bank.State(class, rid)
	if !st.InUse {
		return ErrInUse
	}
	if st.Native {
		st.InUse = false
		return Success
	}
	r.bank.MarkUnrestored(class, rid)
	log.Trace(log.Reservation, "unreserve, lazy restore pending", "class", class, "reg", rid)
	return Success
}
