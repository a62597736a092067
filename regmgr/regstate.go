package regmgr

// RegState is the per-register bookkeeping the invariants in the design
// doc are stated against:
//
//  1. native => xchg == noXchg && slot unused
//  2. in_use && !native => (xchg set) XOR (slot assigned and owned by r)
//  3. slotUse[s] == r iff r currently owns slot s
//  4. pendingUnrestored == count of registers with !native && !in_use
type RegState struct {
	InUse      bool
	Native     bool
	EverSpilled bool
	Slot       int   // valid iff !Native && Xchg == noXchg
	Xchg       RegID // noXchg if not using an exchange partner

	appUses int // times the app reads/writes this register in the block, for least-used selection
}

const noXchg RegID = -1

func freshRegState() RegState {
	return RegState{Native: true, Slot: -1, Xchg: noXchg}
}

// RegisterBank tracks RegState for every GPR and SIMD register of one
// thread, plus the slot ownership table needed for fast fault-time reverse
// lookup (invariant 3).
type RegisterBank struct {
	gpr  [NumGPR]RegState
	simd []RegState

	slotUse           map[int]regRef // slot -> owning register
	pendingUnrestored int

	stolen   RegID // host-reserved GPR the core must never hand out; meaningful only if haveStolen
	haveStolen bool
}

type regRef struct {
	class RegClass
	id    RegID
}

// NewRegisterBank creates a bank with numSIMD xmm registers, all native.
func NewRegisterBank(numSIMD int) *RegisterBank {
	b := &RegisterBank{
		simd:    make([]RegState, numSIMD),
		slotUse: make(map[int]regRef),
	}
	for i := range b.gpr {
		b.gpr[i] = freshRegState()
	}
	for i := range b.simd {
		b.simd[i] = freshRegState()
	}
	return b
}

// SetStolenGPR marks r as reserved by the host framework; the Reserver must
// never select it.
func (b *RegisterBank) SetStolenGPR(r RegID) {
	b.stolen = r
	b.haveStolen = true
}

func (b *RegisterBank) IsStolen(r RegID) bool {
	return b.haveStolen && b.stolen == r
}

// State returns a pointer to the live RegState for (class, id) so callers
// can mutate it directly; GPR and SIMD classes other than 128-bit SIMD are
// rejected by callers before reaching here.
func (b *RegisterBank) State(class RegClass, id RegID) *RegState {
	if class == ClassGPR {
		return &b.gpr[id]
	}
	return &b.simd[id]
}

// Count returns the number of registers tracked in class.
func (b *RegisterBank) Count(class RegClass) int {
	if class == ClassGPR {
		return int(NumGPR)
	}
	return len(b.simd)
}

// AssignSlot records that (class, id) now owns slot s, maintaining the
// slotUse reverse map (invariant 3).
func (b *RegisterBank) AssignSlot(class RegClass, id RegID, s int) {
	st := b.State(class, id)
	st.Slot = s
	st.Xchg = noXchg
	b.slotUse[s] = regRef{class, id}
}

// ReleaseSlot clears ownership of s if (class, id) currently owns it.
func (b *RegisterBank) ReleaseSlot(class RegClass, id RegID, s int) {
	if ref, ok := b.slotUse[s]; ok && ref.class == class && ref.id == id {
		delete(b.slotUse, s)
		b.State(class, id).Slot = -1
	}
}

// SlotOwner returns the register owning slot s, if any.
func (b *RegisterBank) SlotOwner(s int) (RegClass, RegID, bool) {
	ref, ok := b.slotUse[s]
	return ref.class, ref.id, ok
}

// MarkUnrestored transitions (class,id) to "awaiting lazy restore":
// !native, !in_use. It clears InUse itself.
func (b *RegisterBank) MarkUnrestored(class RegClass, id RegID) {
	st := b.State(class, id)
	st.InUse = false
	st.Native = false
	b.pendingUnrestored++
}

// MarkRestored transitions (class,id) back to native, decrementing the
// pending-unrestored count. Callers must release any slot first.
func (b *RegisterBank) MarkRestored(class RegClass, id RegID) {
	st := b.State(class, id)
	if !st.Native {
		b.pendingUnrestored--
	}
	st.Native = true
	st.EverSpilled = false
	st.Xchg = noXchg
	st.Slot = -1
}

func (b *RegisterBank) PendingUnrestored() int { return b.pendingUnrestored }

// ResetAppUses zeroes the per-block app-use counters, called at the start
// of each block's analysis pass.
func (b *RegisterBank) ResetAppUses() {
	for i := range b.gpr {
		b.gpr[i].appUses = 0
	}
	for i := range b.simd {
		b.simd[i].appUses = 0
	}
}

func (b *RegisterBank) BumpAppUse(class RegClass, id RegID) {
	b.State(class, id).appUses++
}

// AllNative reports whether every tracked register is native and unused --
// the conservation invariant checked at the end of every block.
func (b *RegisterBank) AllNative() bool {
	for _, st := range b.gpr {
		if !st.Native || st.InUse {
			return false
		}
	}
	for _, st := range b.simd {
		if !st.Native || st.InUse {
			return false
		}
	}
	return len(b.slotUse) == 0 && b.pendingUnrestored == 0
}
