package regmgr

import "github.com/colorfulnotion/pvmreg/log"

// GPRState is the three-state liveness lattice for a general-purpose
// register. Unknown only ever appears outside the block-scanning path (the
// forward scan uses it as "no information yet", never as a final answer).
type GPRState int

const (
	GPRDead GPRState = iota
	GPRLive
	GPRUnknown
)

func (s GPRState) String() string {
	switch s {
	case GPRDead:
		return "dead"
	case GPRLive:
		return "live"
	default:
		return "unknown"
	}
}

// SIMDState is the six-level lattice described in the spec:
//
//	xmm_dead < ymm_dead < zmm_dead < xmm_live < ymm_live < zmm_live
//
// plus Unknown. Ordering lets "wider register wins" updates be expressed as
// a monotone join (max).
type SIMDState int

const (
	SIMDXMMDead SIMDState = iota
	SIMDYMMDead
	SIMDZMMDead
	SIMDXMMLive
	SIMDYMMLive
	SIMDZMMLive
	SIMDUnknown
)

// Join returns the lattice max of a and b. Unknown is absorbing in the
// sense that it never wins over a concrete state during a real scan --
// callers never pass Unknown into Join from within the block-scan path.
func Join(a, b SIMDState) SIMDState {
	if a == SIMDUnknown {
		return b
	}
	if b == SIMDUnknown {
		return a
	}
	if a > b {
		return a
	}
	return b
}

// SIMDWidth names the width of a partial SIMD read or write.
type SIMDWidth int

const (
	WidthNone SIMDWidth = iota
	WidthXMM
	WidthYMM
	WidthZMM
)

// HostInstr is the introspection surface regmgr needs from one decoded
// guest instruction. The host DBI runtime supplies an implementation; this
// is the "instruction decode/encode; register introspection" collaborator
// named as out-of-scope in the design.
type HostInstr interface {
	ReadsGPR(r RegID) bool
	// WritesGPRExact reports a write that fully defines r: on amd64 this
	// includes a 32-bit write to the low half, since it zero-extends.
	WritesGPRExact(r RegID) bool
	// WritesGPRPartial reports a write that does NOT fully define r (e.g.
	// an 8/16-bit partial write), which must not deaden the register.
	WritesGPRPartial(r RegID) bool
	// WritesGPRConditionally reports a cmov-style write that may or may
	// not occur at runtime; the driver must treat it like a partial write
	// for restore purposes even though it fully defines r when it fires.
	WritesGPRConditionally(r RegID) bool
	IsControlTransfer() bool
	IsInterruptOrSyscall() bool

	SIMDReadWidth(r RegID) SIMDWidth
	SIMDWriteWidth(r RegID) SIMDWidth

	FlagsRead() ArithFlagSet
	FlagsWritten() ArithFlagSet
}

// LivenessVectors holds the per-position liveness lattice computed by a
// single backward scan of one basic block. Position i is the state that
// holds immediately BEFORE instruction i executes; position len(block) is
// the state at block exit (all registers/flags dead, the fixpoint seed).
type LivenessVectors struct {
	gpr   [][]GPRState  // gpr[r][pos]
	simd  [][]SIMDState // simd[r][pos]
	flags []ArithFlagSet

	numGPR  int
	numSIMD int
	n       int // instruction count
}

// NewLivenessVectors allocates (but does not fill) vectors sized for a
// block of n instructions over numGPR GPRs and numSIMD xmm registers.
func NewLivenessVectors(n, numGPR, numSIMD int) *LivenessVectors {
	lv := &LivenessVectors{numGPR: numGPR, numSIMD: numSIMD, n: n}
	lv.gpr = make([][]GPRState, numGPR)
	for r := range lv.gpr {
		lv.gpr[r] = make([]GPRState, n+1)
	}
	lv.simd = make([][]SIMDState, numSIMD)
	for r := range lv.simd {
		lv.simd[r] = make([]SIMDState, n+1)
	}
	lv.flags = make([]ArithFlagSet, n+1)
	return lv
}

// GPRAt returns register r's liveness immediately before instruction pos.
// pos == n is the state at block exit.
func (lv *LivenessVectors) GPRAt(r RegID, pos int) GPRState {
	if int(r) < 0 || int(r) >= lv.numGPR || pos < 0 || pos > lv.n {
		return GPRUnknown
	}
	return lv.gpr[r][pos]
}

func (lv *LivenessVectors) SIMDAt(r RegID, pos int) SIMDState {
	if int(r) < 0 || int(r) >= lv.numSIMD || pos < 0 || pos > lv.n {
		return SIMDUnknown
	}
	return lv.simd[r][pos]
}

func (lv *LivenessVectors) FlagsAt(pos int) ArithFlagSet {
	if pos < 0 || pos > lv.n {
		return AllArithFlags
	}
	return lv.flags[pos]
}

// ScanBackward fills lv from a single reverse pass over instrs, per the
// rules in the spec: local backward liveness is a single-pass fixpoint when
// information flows from the block exit backward.
func ScanBackward(instrs []HostInstr, numGPR, numSIMD int) *LivenessVectors {
	lv := NewLivenessVectors(len(instrs), numGPR, numSIMD)
	for r := 0; r < numGPR; r++ {
		lv.gpr[r][len(instrs)] = GPRDead
	}
	for r := 0; r < numSIMD; r++ {
		lv.simd[r][len(instrs)] = SIMDXMMDead
	}
	lv.flags[len(instrs)] = 0

	for i := len(instrs) - 1; i >= 0; i-- {
		ins := instrs[i]
		transfer := ins.IsControlTransfer() || ins.IsInterruptOrSyscall()

		for r := 0; r < numGPR; r++ {
			prior := lv.gpr[r][i+1]
			var cur GPRState
			switch {
			case ins.ReadsGPR(RegID(r)):
				cur = GPRLive
			case ins.WritesGPRExact(RegID(r)):
				cur = GPRDead
			case transfer:
				cur = GPRLive
			default:
				cur = prior
			}
			lv.gpr[r][i] = cur
		}

		for r := 0; r < numSIMD; r++ {
			prior := lv.simd[r][i+1]
			cur := prior
			if transfer {
				cur = Join(cur, SIMDZMMLive)
			}
			switch ins.SIMDReadWidth(RegID(r)) {
			case WidthXMM:
				cur = Join(cur, SIMDXMMLive)
			case WidthYMM:
				cur = Join(cur, SIMDYMMLive)
			case WidthZMM:
				cur = Join(cur, SIMDZMMLive)
			}
			switch ins.SIMDWriteWidth(RegID(r)) {
			case WidthZMM:
				cur = SIMDZMMDead
			case WidthYMM:
				if cur <= SIMDYMMDead || cur >= SIMDXMMLive {
					cur = SIMDYMMDead
				}
			case WidthXMM:
				if cur >= SIMDXMMLive {
					cur = SIMDXMMDead
				}
			}
			lv.simd[r][i] = cur
		}

		r, w := ins.FlagsRead(), ins.FlagsWritten()
		prior := lv.flags[i+1]
		var cur ArithFlagSet
		if transfer {
			cur = AllArithFlags
		} else {
			cur = (prior | r) &^ (w &^ r)
		}
		lv.flags[i] = cur
	}

	log.Trace(log.Liveness, "backward scan complete", "instrs", len(instrs), "gpr", numGPR, "simd", numSIMD)
	return lv
}

// ForwardSnapshot is the single liveness value produced by a forward scan:
// used when a client reserves a register outside the normal block-insertion
// phase (e.g. from a clean call), where no full LivenessVectors exists yet.
type ForwardSnapshot struct {
	GPR   [NumGPR]GPRState
	SIMD  []SIMDState
	Flags ArithFlagSet
}

// ScanForward scans forward from the current instruction (inclusive) until
// the first control transfer, producing one conservative snapshot: anything
// indeterminate reads as Live. The flags rule masks first-reads with the
// running set of already-written flags, so a flag read after it has been
// rewritten downstream does not count as a read of the original value.
func ScanForward(rest []HostInstr, numGPR, numSIMD int) ForwardSnapshot {
	snap := ForwardSnapshot{SIMD: make([]SIMDState, numSIMD)}
	for r := 0; r < numGPR; r++ {
		snap.GPR[r] = GPRUnknown
	}
	for r := 0; r < numSIMD; r++ {
		snap.SIMD[r] = SIMDUnknown
	}

	var written ArithFlagSet
	for _, ins := range rest {
		for r := 0; r < numGPR; r++ {
			if snap.GPR[r] != GPRUnknown {
				continue
			}
			if ins.ReadsGPR(RegID(r)) {
				snap.GPR[r] = GPRLive
			} else if ins.WritesGPRExact(RegID(r)) {
				snap.GPR[r] = GPRDead
			}
		}
		for r := 0; r < numSIMD; r++ {
			switch ins.SIMDReadWidth(RegID(r)) {
			case WidthXMM:
				snap.SIMD[r] = joinUnknown(snap.SIMD[r], SIMDXMMLive)
			case WidthYMM:
				snap.SIMD[r] = joinUnknown(snap.SIMD[r], SIMDYMMLive)
			case WidthZMM:
				snap.SIMD[r] = joinUnknown(snap.SIMD[r], SIMDZMMLive)
			}
		}

		firstReads := ins.FlagsRead() &^ written
		snap.Flags |= firstReads
		written |= ins.FlagsWritten()

		if ins.IsControlTransfer() || ins.IsInterruptOrSyscall() {
			break
		}
	}

	for r := 0; r < numGPR; r++ {
		if snap.GPR[r] == GPRUnknown {
			snap.GPR[r] = GPRLive
		}
	}
	for r := 0; r < numSIMD; r++ {
		if snap.SIMD[r] == SIMDUnknown {
			snap.SIMD[r] = SIMDZMMLive
		}
	}
	return snap
}

func joinUnknown(cur, v SIMDState) SIMDState {
	if cur == SIMDUnknown {
		return v
	}
	return Join(cur, v)
}
