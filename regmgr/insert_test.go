package regmgr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/pvmreg/regmgr"
	"github.com/colorfulnotion/pvmreg/simhost"
)

// TestTempSlotSandwichReadOnly reproduces the scenario the design calls out
// by name: a tool value is parked in RBX across a block, but the app itself
// reads RBX at one instruction. The driver must sandwich that one
// instruction with three of the four sandwich instructions: spill
// tool->tmp, restore app->reg, (app instr runs), spill reg->appslot
// [skipped here, the instruction only reads], restore tmp->reg.
func TestTempSlotSandwichReadOnly(t *testing.T) {
	block := []*simhost.Instr{
		{Mnemonic: "nop"},
		{Mnemonic: "use rbx", Reads: []regmgr.RegID{regmgr.RBX}},
		{Mnemonic: "nop"},
	}
	hostInstrs := (&simhost.Block{Instrs: block}).AsHostInstrs()
	lv := regmgr.ScanBackward(hostInstrs, int(regmgr.NumGPR), regmgr.NumXMM)

	bank := regmgr.NewRegisterBank(0)
	slots := regmgr.NewSlotStore(4, 0, simhost.NewSlots(0))
	emit := regmgr.NewSpillEmitter(slots, &simhost.Predicate{})
	flags := regmgr.NewFlagsEngine(bank, slots, emit)
	rsv := regmgr.NewReserver(bank, slots, emit, flags, false)
	ins := regmgr.NewInsertionDriver(bank, slots, emit, flags)

	rsv.SetPosition(lv, 0)
	rid, spillAtReserve, st := rsv.Reserve(regmgr.ClassGPR, 1<<uint(regmgr.RBX), false)
	require.True(t, st.Ok())
	require.Equal(t, regmgr.RBX, rid)
	assert.NotEmpty(t, spillAtReserve, "rbx is live across the block, so reserving it must spill the app's value first")

	before := ins.Before(lv, 1, hostInstrs[1], false)
	require.Len(t, before, 2, "spill tool->tmp; restore app->reg")
	assert.Equal(t, regmgr.EmitSpillDirect, before[0].Kind)
	assert.Equal(t, regmgr.EmitRestoreDirect, before[1].Kind)
	assert.Equal(t, regmgr.RBX, before[1].Reg)

	after := ins.After(lv, 1, hostInstrs[1])
	require.Len(t, after, 1, "read-only app instruction: just restore tmp->reg, no re-spill to appslot")
	assert.Equal(t, regmgr.EmitRestoreDirect, after[0].Kind)
	assert.Equal(t, regmgr.RBX, after[0].Reg)

	assert.True(t, bank.State(regmgr.ClassGPR, regmgr.RBX).InUse, "the sandwich must not disturb the client's reservation")
}

// TestTempSlotSandwichWithWrite covers the full four-instruction shape when
// the app instruction also writes the sandwiched register.
func TestTempSlotSandwichWithWrite(t *testing.T) {
	block := []*simhost.Instr{
		{Mnemonic: "nop"},
		{Mnemonic: "clobber rbx", Reads: []regmgr.RegID{regmgr.RBX}, WritesExact: []regmgr.RegID{regmgr.RBX}},
		{Mnemonic: "use rbx again", Reads: []regmgr.RegID{regmgr.RBX}},
	}
	hostInstrs := (&simhost.Block{Instrs: block}).AsHostInstrs()
	lv := regmgr.ScanBackward(hostInstrs, int(regmgr.NumGPR), regmgr.NumXMM)

	bank := regmgr.NewRegisterBank(0)
	slots := regmgr.NewSlotStore(4, 0, simhost.NewSlots(0))
	emit := regmgr.NewSpillEmitter(slots, &simhost.Predicate{})
	flags := regmgr.NewFlagsEngine(bank, slots, emit)
	rsv := regmgr.NewReserver(bank, slots, emit, flags, false)
	ins := regmgr.NewInsertionDriver(bank, slots, emit, flags)

	rsv.SetPosition(lv, 0)
	rid, _, st := rsv.Reserve(regmgr.ClassGPR, 1<<uint(regmgr.RBX), false)
	require.True(t, st.Ok())
	require.Equal(t, regmgr.RBX, rid)

	before := ins.Before(lv, 1, hostInstrs[1], false)
	require.Len(t, before, 2)

	after := ins.After(lv, 1, hostInstrs[1])
	require.Len(t, after, 2, "writes + still-live downstream: spill reg->appslot; restore tmp->reg")
	assert.Equal(t, regmgr.EmitSpillDirect, after[0].Kind)
	assert.Equal(t, regmgr.EmitRestoreDirect, after[1].Kind)
}

// TestTempSlotSandwichWriteOnlyNoRead covers the gap where the app
// instruction writes a reserved register but never reads it: none of the
// read/partial-write/conditional-write triggers fire, so the sandwich must
// still open on the exact-write trigger alone, or the tool's value in the
// register gets overwritten with no spill ever emitted for it.
func TestTempSlotSandwichWriteOnlyNoRead(t *testing.T) {
	block := []*simhost.Instr{
		{Mnemonic: "nop"},
		{Mnemonic: "clobber rbx", WritesExact: []regmgr.RegID{regmgr.RBX}},
		{Mnemonic: "nop"},
	}
	hostInstrs := (&simhost.Block{Instrs: block}).AsHostInstrs()
	lv := regmgr.ScanBackward(hostInstrs, int(regmgr.NumGPR), regmgr.NumXMM)

	bank := regmgr.NewRegisterBank(0)
	slots := regmgr.NewSlotStore(4, 0, simhost.NewSlots(0))
	emit := regmgr.NewSpillEmitter(slots, &simhost.Predicate{})
	flags := regmgr.NewFlagsEngine(bank, slots, emit)
	rsv := regmgr.NewReserver(bank, slots, emit, flags, false)
	ins := regmgr.NewInsertionDriver(bank, slots, emit, flags)

	rsv.SetPosition(lv, 0)
	rid, _, st := rsv.Reserve(regmgr.ClassGPR, 1<<uint(regmgr.RBX), false)
	require.True(t, st.Ok())
	require.Equal(t, regmgr.RBX, rid)

	before := ins.Before(lv, 1, hostInstrs[1], false)
	require.Len(t, before, 2, "spill tool->tmp; restore app->reg, even though the app never reads rbx")
	assert.Equal(t, regmgr.EmitSpillDirect, before[0].Kind)
	assert.Equal(t, regmgr.EmitRestoreDirect, before[1].Kind)

	after := ins.After(lv, 1, hostInstrs[1])
	require.Len(t, after, 1, "app's write is dead downstream: just restore tmp->reg, no re-spill to appslot")
	assert.Equal(t, regmgr.EmitRestoreDirect, after[0].Kind)
	assert.Equal(t, regmgr.RBX, after[0].Reg)

	assert.True(t, bank.State(regmgr.ClassGPR, regmgr.RBX).InUse, "the sandwich must not disturb the client's reservation")
}
