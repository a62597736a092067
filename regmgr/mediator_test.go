package regmgr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/pvmreg/regmgr"
	"github.com/colorfulnotion/pvmreg/simhost"
)

func TestInitExitOptionsMergeSumsSlotsByDefault(t *testing.T) {
	require.Equal(t, regmgr.Success, regmgr.Init(regmgr.Options{NumSpillSlots: 3, NumSIMDSlots: 2}))
	require.Equal(t, regmgr.Success, regmgr.Init(regmgr.Options{NumSpillSlots: 4, NumSIMDSlots: 1}))
	defer regmgr.Exit()
	defer regmgr.Exit()

	m := regmgr.NewMediator(simhost.NewSlots(8), &simhost.Predicate{})
	info := m.ReservationInfoEx(regmgr.ClassGPR, regmgr.RAX)
	assert.True(t, info.Native, "a freshly created mediator starts with every register native")
}

func TestInitExitOptionsMergeMaxWhenDoNotSum(t *testing.T) {
	require.Equal(t, regmgr.Success, regmgr.Init(regmgr.Options{NumSpillSlots: 3}))
	require.Equal(t, regmgr.Success, regmgr.Init(regmgr.Options{NumSpillSlots: 9, DoNotSumSlots: true}))
	defer regmgr.Exit()
	defer regmgr.Exit()
	_ = regmgr.NewMediator(simhost.NewSlots(8), &simhost.Predicate{})
}

func TestInitExitRefcountRequiresMatchingExit(t *testing.T) {
	require.Equal(t, regmgr.Success, regmgr.Init(regmgr.Options{NumSpillSlots: 1}))
	require.Equal(t, regmgr.Success, regmgr.Exit())
	assert.Equal(t, regmgr.ErrGeneric, regmgr.Exit(), "exit with no outstanding init must fail")
}

func TestErrorCallbackFirstWriterWins(t *testing.T) {
	var calledA, calledB bool
	require.Equal(t, regmgr.Success, regmgr.Init(regmgr.Options{NumSpillSlots: 1, ErrorCallback: func(regmgr.Status) bool { calledA = true; return true }}))
	require.Equal(t, regmgr.Success, regmgr.Init(regmgr.Options{NumSpillSlots: 1, ErrorCallback: func(regmgr.Status) bool { calledB = true; return true }}))
	defer regmgr.Exit()
	defer regmgr.Exit()

	m := regmgr.NewMediator(simhost.NewSlots(8), &simhost.Predicate{})
	_, _, st := m.ReserveRegister(regmgr.ClassSIMD256, 0)
	require.Equal(t, regmgr.ErrFeatureNotAvailable, st)
	assert.True(t, calledA, "the first Init's callback is the one kept")
	assert.False(t, calledB, "a later Init's callback does not replace the first")
}

func TestMediatorDeadReservationNoSpillEndToEnd(t *testing.T) {
	require.Equal(t, regmgr.Success, regmgr.Init(regmgr.Options{NumSpillSlots: 4}))
	defer regmgr.Exit()

	m := regmgr.NewMediator(simhost.NewSlots(8), &simhost.Predicate{})
	block := []*simhost.Instr{{Mnemonic: "nop"}}
	hostInstrs := (&simhost.Block{Instrs: block}).AsHostInstrs()

	m.BeginBlock(hostInstrs, 0)
	rid, insts, st := m.ReserveRegister(regmgr.ClassGPR, 0)
	require.True(t, st.Ok())
	assert.Empty(t, insts)
	require.Equal(t, regmgr.Success, m.UnreserveRegister(regmgr.ClassGPR, rid))

	before, after := m.Visit(hostInstrs[0], true)
	assert.NotEmpty(t, before, "unreserving a dead register still needs its lazy-restore pass through Visit before end of block")
	assert.Empty(t, after)

	assert.Equal(t, regmgr.Success, m.EndBlock())
}
