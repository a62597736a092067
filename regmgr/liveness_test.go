package regmgr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/colorfulnotion/pvmreg/regmgr"
	"github.com/colorfulnotion/pvmreg/simhost"
)

func TestScanBackwardSimpleDeadAfterWrite(t *testing.T) {
	// mov rax, rbx ; mov rcx, rax  -- rax is written before its only read,
	// so it is dead at block entry and live between the two instructions,
	// and rbx is live at block entry since it's read before any write.
	block := []*simhost.Instr{
		{Mnemonic: "mov rax, rbx", Reads: []regmgr.RegID{regmgr.RBX}, WritesExact: []regmgr.RegID{regmgr.RAX}},
		{Mnemonic: "mov rcx, rax", Reads: []regmgr.RegID{regmgr.RAX}, WritesExact: []regmgr.RegID{regmgr.RCX}},
	}
	lv := regmgr.ScanBackward((&simhost.Block{Instrs: block}).AsHostInstrs(), int(regmgr.NumGPR), regmgr.NumXMM)

	assert.Equal(t, regmgr.GPRDead, lv.GPRAt(regmgr.RAX, 2))
	assert.Equal(t, regmgr.GPRLive, lv.GPRAt(regmgr.RAX, 1))
	assert.Equal(t, regmgr.GPRDead, lv.GPRAt(regmgr.RAX, 0))
	assert.Equal(t, regmgr.GPRLive, lv.GPRAt(regmgr.RBX, 0))
}

func TestScanBackwardControlTransferForcesLive(t *testing.T) {
	block := []*simhost.Instr{
		{Mnemonic: "mov rax, 0", WritesExact: []regmgr.RegID{regmgr.RAX}},
		{Mnemonic: "jmp somewhere", CTransfer: true},
	}
	lv := regmgr.ScanBackward((&simhost.Block{Instrs: block}).AsHostInstrs(), int(regmgr.NumGPR), regmgr.NumXMM)
	assert.Equal(t, regmgr.GPRLive, lv.GPRAt(regmgr.RAX, 1), "the value written right before an unconditional jump out of the block must still read as live at the jump -- analysis can't see what the target reads")
}

func TestScanForwardMasksReadsAfterWrite(t *testing.T) {
	rest := []*simhost.Instr{
		{Mnemonic: "add", FlagsW: regmgr.AllArithFlags},
		{Mnemonic: "jz", FlagsR: regmgr.FlagZF, CTransfer: true},
	}
	snap := regmgr.ScanForward((&simhost.Block{Instrs: rest}).AsHostInstrs(), int(regmgr.NumGPR), regmgr.NumXMM)
	assert.Equal(t, regmgr.ArithFlagSet(0), snap.Flags, "the jz reads ZF, but only after the add already rewrote it, so the original flag value is not actually read")
}

func TestSIMDLatticeJoin(t *testing.T) {
	assert.Equal(t, regmgr.SIMDZMMLive, regmgr.Join(regmgr.SIMDXMMLive, regmgr.SIMDZMMLive))
	assert.Equal(t, regmgr.SIMDXMMDead, regmgr.Join(regmgr.SIMDUnknown, regmgr.SIMDXMMDead))
}
