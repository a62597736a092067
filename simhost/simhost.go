// Package simhost is a minimal, in-memory stand-in for the DBI host
// framework that regmgr expects to be driven by: basic-block events, raw
// TLS slots, and a live machine-context accessor. It exists for tests and
// the command-line demo, not for any real code cache.
package simhost

import "github.com/colorfulnotion/pvmreg/regmgr"

// Instr is a pre-decoded instruction: simhost never parses real machine
// code, it is handed already-classified instructions the way a host DBI
// framework's decoder would produce them.
type Instr struct {
	Mnemonic string

	Reads         []regmgr.RegID
	WritesExact   []regmgr.RegID
	WritesPartial []regmgr.RegID
	WritesCond    []regmgr.RegID

	SIMDReads  map[regmgr.RegID]regmgr.SIMDWidth
	SIMDWrites map[regmgr.RegID]regmgr.SIMDWidth

	CTransfer bool
	Interrupt bool

	FlagsR regmgr.ArithFlagSet
	FlagsW regmgr.ArithFlagSet
}

func contains(xs []regmgr.RegID, r regmgr.RegID) bool {
	for _, x := range xs {
		if x == r {
			return true
		}
	}
	return false
}

func (i *Instr) ReadsGPR(r regmgr.RegID) bool             { return contains(i.Reads, r) }
func (i *Instr) WritesGPRExact(r regmgr.RegID) bool       { return contains(i.WritesExact, r) }
func (i *Instr) WritesGPRPartial(r regmgr.RegID) bool     { return contains(i.WritesPartial, r) }
func (i *Instr) WritesGPRConditionally(r regmgr.RegID) bool { return contains(i.WritesCond, r) }
func (i *Instr) IsControlTransfer() bool                  { return i.CTransfer }
func (i *Instr) IsInterruptOrSyscall() bool                { return i.Interrupt }

func (i *Instr) SIMDReadWidth(r regmgr.RegID) regmgr.SIMDWidth {
	if i.SIMDReads == nil {
		return regmgr.WidthNone
	}
	return i.SIMDReads[r]
}

func (i *Instr) SIMDWriteWidth(r regmgr.RegID) regmgr.SIMDWidth {
	if i.SIMDWrites == nil {
		return regmgr.WidthNone
	}
	return i.SIMDWrites[r]
}

func (i *Instr) FlagsRead() regmgr.ArithFlagSet    { return i.FlagsR }
func (i *Instr) FlagsWritten() regmgr.ArithFlagSet { return i.FlagsW }

// Block is one basic block: a plain instruction slice, plus a K bitmask
// (filled by NewBlock) in the convention a PVM-style host uses to mark
// instruction and block boundaries (bit 0: instruction start, bit 1: block
// start). AsHostInstrs walks Instrs only; nothing in simhost reads K.
type Block struct {
	Instrs []*Instr
	K      []byte
}

func NewBlock(instrs []*Instr) *Block {
	k := make([]byte, len(instrs))
	for i := range k {
		b := byte(1)
		if i == 0 {
			b |= 2
		}
		k[i] = b
	}
	return &Block{Instrs: instrs, K: k}
}

func (b *Block) AsHostInstrs() []regmgr.HostInstr {
	out := make([]regmgr.HostInstr, len(b.Instrs))
	for i, ins := range b.Instrs {
		out[i] = ins
	}
	return out
}

// Slots is a flat DRSlotProvider backing store.
type Slots struct {
	words []uint64
}

func NewSlots(n int) *Slots { return &Slots{words: make([]uint64, n)} }

func (s *Slots) NumSlots() int { return len(s.words) }
func (s *Slots) ReadSlot(i int) uint64 { return s.words[i] }
func (s *Slots) WriteSlot(i int, v uint64) { s.words[i] = v }

// Predicate is a no-op PredicateState: x86 has no general predication, so
// simhost's save/restore/force are all no-ops, present only so the
// SpillEmitter's unconditional-emission wrapping has something to call.
type Predicate struct{ forced bool }

func (p *Predicate) SavePredicate() any      { return p.forced }
func (p *Predicate) ForceUnconditional()     { p.forced = true }
func (p *Predicate) RestorePredicate(s any)  { p.forced = s.(bool) }

// Context is an in-memory LiveContext: a flat register file standing in
// for a real thread's mcontext.
type Context struct {
	gpr   [regmgr.NumGPR]uint64
	simd  [regmgr.NumXMM][16]byte
	flags regmgr.ArithFlagSet
}

func NewContext() *Context { return &Context{} }

func (c *Context) ReadGPR(id regmgr.RegID) uint64        { return c.gpr[id] }
func (c *Context) WriteGPR(id regmgr.RegID, v uint64)    { c.gpr[id] = v }
func (c *Context) ReadSIMD(id regmgr.RegID) [16]byte     { return c.simd[id] }
func (c *Context) WriteSIMD(id regmgr.RegID, v [16]byte) { c.simd[id] = v }
func (c *Context) WriteArithFlags(v regmgr.ArithFlagSet) { c.flags = v }
func (c *Context) ReadArithFlags() regmgr.ArithFlagSet   { return c.flags }

// Host implements regmgr.Host by simply running BB events synchronously in
// registration order and recording the fault handler for direct invocation
// by a test or the demo.
type Host struct {
	slots     *Slots
	bbEvents  []regmgr.BBEventFunc
	faultFunc regmgr.FaultEventFunc
}

func NewHost(slots *Slots) *Host { return &Host{slots: slots} }

func (h *Host) RawSlots() regmgr.DRSlotProvider { return h.slots }

func (h *Host) RegisterBBEvent(priority int, fn regmgr.BBEventFunc) {
	h.bbEvents = append(h.bbEvents, fn)
}

func (h *Host) RegisterFaultEvent(fn regmgr.FaultEventFunc) { h.faultFunc = fn }

// RunBBEvents drives every registered BB event over block, OR-ing together
// whatever BBProperty hints they return.
func (h *Host) RunBBEvents(block []regmgr.HostInstr) regmgr.BBProperty {
	var props regmgr.BBProperty
	for _, fn := range h.bbEvents {
		props |= fn(block)
	}
	return props
}

// Fault invokes the registered fault handler directly, standing in for the
// host's real signal/exception delivery path.
func (h *Host) Fault(frag []regmgr.FragmentInstr, pcOffset int) bool {
	if h.faultFunc == nil {
		return false
	}
	return h.faultFunc(frag, pcOffset)
}
