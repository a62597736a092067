package regmgr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/pvmreg/regmgr"
	"github.com/colorfulnotion/pvmreg/simhost"
)

func newReserver(t *testing.T, numSIMD int) (*regmgr.RegisterBank, *regmgr.SlotStore, *regmgr.Reserver) {
	t.Helper()
	bank := regmgr.NewRegisterBank(numSIMD)
	slots := regmgr.NewSlotStore(4, numSIMD, simhost.NewSlots(8))
	emit := regmgr.NewSpillEmitter(slots, &simhost.Predicate{})
	rsv := regmgr.NewReserver(bank, slots, emit, regmgr.NewFlagsEngine(bank, slots, emit), false)
	return bank, slots, rsv
}

func TestReserveDeadRegisterNoSpill(t *testing.T) {
	bank, _, rsv := newReserver(t, 0)

	block := []*simhost.Instr{{Mnemonic: "nop"}}
	lv := regmgr.ScanBackward((&simhost.Block{Instrs: block}).AsHostInstrs(), int(regmgr.NumGPR), regmgr.NumXMM)
	rsv.SetPosition(lv, 0)

	rid, insts, st := rsv.Reserve(regmgr.ClassGPR, 0, false)
	require.True(t, st.Ok())
	assert.Empty(t, insts, "a dead register must be reservable without any spill code")
	assert.True(t, bank.State(regmgr.ClassGPR, rid).InUse)
}

func TestReserveLiveRegisterSpills(t *testing.T) {
	bank, _, rsv := newReserver(t, 0)

	// every GPR read at instruction 0 is live throughout the block.
	reads := make([]regmgr.RegID, 0, int(regmgr.NumGPR))
	for r := 0; r < int(regmgr.NumGPR); r++ {
		reads = append(reads, regmgr.RegID(r))
	}
	block := []*simhost.Instr{{Mnemonic: "use-everything", Reads: reads}}
	lv := regmgr.ScanBackward((&simhost.Block{Instrs: block}).AsHostInstrs(), int(regmgr.NumGPR), regmgr.NumXMM)
	rsv.SetPosition(lv, 0)

	rid, insts, st := rsv.Reserve(regmgr.ClassGPR, 0, false)
	require.True(t, st.Ok())
	assert.NotEmpty(t, insts, "every GPR is live, so reserving one must spill it first")
	assert.True(t, bank.State(regmgr.ClassGPR, rid).EverSpilled)
}

func TestReserveOnlyIfFreeFailsOnAllLive(t *testing.T) {
	_, _, rsv := newReserver(t, 0)
	reads := make([]regmgr.RegID, 0, int(regmgr.NumGPR))
	for r := 0; r < int(regmgr.NumGPR); r++ {
		reads = append(reads, regmgr.RegID(r))
	}
	block := []*simhost.Instr{{Mnemonic: "use-everything", Reads: reads}}
	lv := regmgr.ScanBackward((&simhost.Block{Instrs: block}).AsHostInstrs(), int(regmgr.NumGPR), regmgr.NumXMM)
	rsv.SetPosition(lv, 0)

	_, _, st := rsv.Reserve(regmgr.ClassGPR, 0, true)
	assert.Equal(t, regmgr.ErrRegConflict, st)
}

func TestUnreserveMarksPendingUntilRestored(t *testing.T) {
	bank, _, rsv := newReserver(t, 0)
	block := []*simhost.Instr{{Mnemonic: "nop"}}
	lv := regmgr.ScanBackward((&simhost.Block{Instrs: block}).AsHostInstrs(), int(regmgr.NumGPR), regmgr.NumXMM)
	rsv.SetPosition(lv, 0)

	reads := []regmgr.RegID{}
	for r := 0; r < int(regmgr.NumGPR); r++ {
		reads = append(reads, regmgr.RegID(r))
	}
	liveBlock := []*simhost.Instr{{Mnemonic: "use-everything", Reads: reads}}
	lv2 := regmgr.ScanBackward((&simhost.Block{Instrs: liveBlock}).AsHostInstrs(), int(regmgr.NumGPR), regmgr.NumXMM)
	rsv.SetPosition(lv2, 0)

	rid, _, st := rsv.Reserve(regmgr.ClassGPR, 0, false)
	require.True(t, st.Ok())

	require.Equal(t, regmgr.Success, rsv.Unreserve(regmgr.ClassGPR, rid))
	assert.Equal(t, 1, bank.PendingUnrestored())
	assert.False(t, bank.State(regmgr.ClassGPR, rid).InUse)
	assert.False(t, bank.State(regmgr.ClassGPR, rid).Native)
}

func TestStolenRegisterNeverSelected(t *testing.T) {
	// One direct slot per GPR: slot 0 is flags, leaving 15 GPR slots, enough
	// for every selectable register so the loop below runs out of
	// registers rather than slots.
	bank := regmgr.NewRegisterBank(0)
	slots := regmgr.NewSlotStore(int(regmgr.NumGPR), 0, simhost.NewSlots(8))
	emit := regmgr.NewSpillEmitter(slots, &simhost.Predicate{})
	rsv := regmgr.NewReserver(bank, slots, emit, regmgr.NewFlagsEngine(bank, slots, emit), false)
	bank.SetStolenGPR(regmgr.R15)

	block := []*simhost.Instr{{Mnemonic: "nop"}}
	lv := regmgr.ScanBackward((&simhost.Block{Instrs: block}).AsHostInstrs(), int(regmgr.NumGPR), regmgr.NumXMM)
	rsv.SetPosition(lv, 0)

	for i := 0; i < int(regmgr.NumGPR)-2; i++ { // exhaust everything but RSP/R15(stolen)
		_, _, st := rsv.Reserve(regmgr.ClassGPR, 0, false)
		require.True(t, st.Ok())
	}
	_, _, st := rsv.Reserve(regmgr.ClassGPR, 0, false)
	assert.Equal(t, regmgr.ErrRegConflict, st, "rsp/stolen must never be handed out even as a last resort")
}
