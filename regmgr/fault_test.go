package regmgr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/pvmreg/regmgr"
	"github.com/colorfulnotion/pvmreg/simhost"
)

// TestFaultRewriterMidSandwich reconstructs register state as of a fault
// landing between the two halves of a temp-slot sandwich: the app's real
// value has already been restored into the register at that point, so no
// rewrite should be needed for it, but a register spilled earlier in the
// block and never yet restored must come back from its slot.
func TestFaultRewriterMidSandwich(t *testing.T) {
	slots := regmgr.NewSlotStore(4, 0, simhost.NewSlots(0))
	fr := regmgr.NewFaultRewriter(slots)
	slots.WriteDirect(1, 0x1111)
	slots.WriteDirect(2, 0x2222)

	frag := []regmgr.FragmentInstr{
		{Bytes: []byte{0x90}, Emitted: &regmgr.EmittedInstr{Kind: regmgr.EmitSpillDirect, Class: regmgr.ClassGPR, Reg: regmgr.RCX, Slot: 1}},
		{Bytes: []byte{0x90}, Emitted: &regmgr.EmittedInstr{Kind: regmgr.EmitSpillDirect, Class: regmgr.ClassGPR, Reg: regmgr.RBX, Slot: 2}},
		{Bytes: []byte{0x90}, Emitted: &regmgr.EmittedInstr{Kind: regmgr.EmitRestoreDirect, Class: regmgr.ClassGPR, Reg: regmgr.RBX, Slot: 2}},
		{Bytes: []byte{0x90}}, // the app instruction itself -- fault lands here
		{Bytes: []byte{0x90}, Emitted: &regmgr.EmittedInstr{Kind: regmgr.EmitSpillDirect, Class: regmgr.ClassGPR, Reg: regmgr.RBX, Slot: 2}},
	}

	out, st := fr.Rewrite(frag, 3)
	require.True(t, st.Ok())
	assert.Equal(t, uint64(0x1111), out.GPR[regmgr.RCX], "rcx is still spilled at the fault point")
	_, rbxStillSpilled := out.GPR[regmgr.RBX]
	assert.False(t, rbxStillSpilled, "rbx was restored to its app value before the fault, nothing to rewrite")
}

func TestFaultRewriterLocatesByByteOffset(t *testing.T) {
	slots := regmgr.NewSlotStore(2, 0, simhost.NewSlots(0))
	fr := regmgr.NewFaultRewriter(slots)
	frag := []regmgr.FragmentInstr{
		{Bytes: []byte{0x90}},
		{Bytes: []byte{0x90, 0x90}},
		{Bytes: []byte{0x90}},
	}
	idx, st := fr.LocateFault(frag, 3)
	require.True(t, st.Ok())
	assert.Equal(t, 2, idx)

	_, st = fr.LocateFault(frag, 2)
	assert.Equal(t, regmgr.ErrGeneric, st, "offset 2 lands mid-instruction, not on a boundary")
}

func TestFaultRewriterFlagsCapturedInAccumulator(t *testing.T) {
	slots := regmgr.NewSlotStore(2, 0, simhost.NewSlots(0))
	fr := regmgr.NewFaultRewriter(slots)

	frag := []regmgr.FragmentInstr{
		{Bytes: []byte{0x9f}, Emitted: &regmgr.EmittedInstr{Kind: regmgr.EmitFlagsCapture, Reg: regmgr.FlagsAccumulator}},
		{Bytes: []byte{0x90}, Emitted: &regmgr.EmittedInstr{Kind: regmgr.EmitFlagsCapture, Reg: regmgr.RDX}},
		{Bytes: []byte{0x90}},
	}
	out, st := fr.Rewrite(frag, 2)
	require.True(t, st.Ok())
	assert.True(t, out.FlagsFromAccumulator, "still parked in the accumulator at the fault, so the flags byte must be decoded from the live register, not a slot")
	assert.Equal(t, regmgr.RDX, out.OverflowCarrierReg)
	_, gotAccumAsGPR := out.GPR[regmgr.FlagsAccumulator]
	assert.False(t, gotAccumAsGPR, "the accumulator's clobbered content has no slot-backed app value to restore")
}
