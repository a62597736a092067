// Command regmgrdemo walks through a handful of named scenarios exercising
// the register mediator end to end against the simhost stand-in, logging
// every spill/restore it emits along the way.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/pvmreg/log"
	"github.com/colorfulnotion/pvmreg/regmgr"
	"github.com/colorfulnotion/pvmreg/simhost"
)

func main() {
	root := &cobra.Command{
		Use:   "regmgrdemo",
		Short: "Exercise the register mediator against a simulated host",
	}

	var level string
	root.PersistentFlags().StringVar(&level, "log-level", "info", "trace|debug|info|warn|error|crit")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		log.InitLogger(level)
		log.EnableModules("liveness,reserve,flags,spill,insert,fault,slots,lifecycle")
	}

	root.AddCommand(
		scenarioCmd("dead-reservation", "reserve a dead register: no spill at all", scenarioDeadReservation),
		scenarioCmd("live-reservation", "reserve a live register, then lazily restore it before the app reads it", scenarioLiveReservation),
		scenarioCmd("sandwich", "temp-slot sandwich when the app reads a reserved register mid-block", scenarioSandwich),
		scenarioCmd("flags-accumulator", "flags-in-GPR optimisation via lahf/seto", scenarioFlagsAccumulator),
		scenarioCmd("fault-mid-sandwich", "reconstruct app state from a fault landing inside a sandwich", scenarioFaultMidSandwich),
		scenarioCmd("simd-spill", "indirect SIMD spill/restore through the hidden pointer slot", scenarioSIMDSpill),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func scenarioCmd(use, short string, run func()) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Run:   func(cmd *cobra.Command, args []string) { run() },
	}
}

func newMediator() *regmgr.Mediator {
	regmgr.Init(regmgr.Options{NumSpillSlots: 6, NumSIMDSlots: 4})
	return regmgr.NewMediator(simhost.NewSlots(16), &simhost.Predicate{})
}

func dump(label string, insts []regmgr.EmittedInstr) {
	for _, in := range insts {
		log.Info(log.Lifecycle, label, "kind", in.Kind, "class", in.Class, "reg", in.Reg.GPRString(), "slot", in.Slot, "bytes", len(in.Bytes))
	}
}

func scenarioDeadReservation() {
	m := newMediator()
	defer regmgr.Exit()

	block := []*simhost.Instr{{Mnemonic: "nop"}}
	instrs := (&simhost.Block{Instrs: block}).AsHostInstrs()
	m.BeginBlock(instrs, 0)

	rid, insts, st := m.ReserveRegister(regmgr.ClassGPR, 0)
	fmt.Printf("reserved %s, status=%v, spill-instructions=%d\n", rid.GPRString(), st, len(insts))
	dump("reserve", insts)
	m.UnreserveRegister(regmgr.ClassGPR, rid)

	before, after := m.Visit(instrs[0], true)
	dump("before", before)
	dump("after", after)
	fmt.Println("end block:", m.EndBlock())
}

func scenarioLiveReservation() {
	m := newMediator()
	defer regmgr.Exit()

	block := []*simhost.Instr{
		{Mnemonic: "use rbx", Reads: []regmgr.RegID{regmgr.RBX}},
		{Mnemonic: "nop"},
	}
	instrs := (&simhost.Block{Instrs: block}).AsHostInstrs()
	m.BeginBlock(instrs, 0)

	rid, insts, st := m.ReserveRegister(regmgr.ClassGPR, 1<<uint(regmgr.RBX))
	fmt.Printf("reserved %s, status=%v\n", rid.GPRString(), st)
	dump("reserve", insts)
	m.UnreserveRegister(regmgr.ClassGPR, rid)

	for i, ins := range instrs {
		before, after := m.Visit(ins, i == len(instrs)-1)
		dump(fmt.Sprintf("before[%d]", i), before)
		dump(fmt.Sprintf("after[%d]", i), after)
	}
	fmt.Println("end block:", m.EndBlock())
}

func scenarioSandwich() {
	m := newMediator()
	defer regmgr.Exit()

	block := []*simhost.Instr{
		{Mnemonic: "nop"},
		{Mnemonic: "use rbx", Reads: []regmgr.RegID{regmgr.RBX}},
		{Mnemonic: "nop"},
	}
	instrs := (&simhost.Block{Instrs: block}).AsHostInstrs()
	m.BeginBlock(instrs, 0)

	rid, insts, st := m.ReserveRegister(regmgr.ClassGPR, 1<<uint(regmgr.RBX))
	fmt.Printf("reserved %s for the whole block, status=%v\n", rid.GPRString(), st)
	dump("reserve", insts)

	for i, ins := range instrs {
		before, after := m.Visit(ins, i == len(instrs)-1)
		dump(fmt.Sprintf("before[%d]", i), before)
		dump(fmt.Sprintf("after[%d]", i), after)
	}
	m.UnreserveRegister(regmgr.ClassGPR, rid)
	fmt.Println("end block:", m.EndBlock())
}

func scenarioFlagsAccumulator() {
	m := newMediator()
	defer regmgr.Exit()

	block := []*simhost.Instr{{Mnemonic: "use flags", FlagsR: regmgr.AllArithFlags}}
	instrs := (&simhost.Block{Instrs: block}).AsHostInstrs()
	m.BeginBlock(instrs, 0)

	insts, st := m.ReserveAFlags()
	fmt.Println("reserve_aflags status:", st)
	dump("reserve-aflags", insts)

	restore := m.RestoreAppAFlags(true)
	dump("restore-aflags", restore)

	before, after := m.Visit(instrs[0], true)
	dump("before", before)
	dump("after", after)
	fmt.Println("end block:", m.EndBlock())
}

func scenarioFaultMidSandwich() {
	m := newMediator()
	defer regmgr.Exit()

	block := []*simhost.Instr{
		{Mnemonic: "nop"},
		{Mnemonic: "use rbx", Reads: []regmgr.RegID{regmgr.RBX}},
		{Mnemonic: "nop"},
	}
	instrs := (&simhost.Block{Instrs: block}).AsHostInstrs()
	m.BeginBlock(instrs, 0)

	_, reserveInsts, _ := m.ReserveRegister(regmgr.ClassGPR, 1<<uint(regmgr.RBX))

	before1, _ := m.Visit(instrs[0], false)

	var frag []regmgr.FragmentInstr
	for _, in := range reserveInsts {
		frag = append(frag, regmgr.FragmentInstr{Bytes: in.Bytes, Emitted: &in})
	}
	for _, in := range before1 {
		frag = append(frag, regmgr.FragmentInstr{Bytes: in.Bytes, Emitted: &in})
	}
	beforeMid, _ := m.Visit(instrs[1], false)
	// Fault lands right after the sandwich's restore-app half, before the
	// app instruction itself executes.
	for i, in := range beforeMid {
		frag = append(frag, regmgr.FragmentInstr{Bytes: in.Bytes, Emitted: &in})
		_ = i
	}
	appInstrOffset := 0
	for _, f := range frag {
		appInstrOffset += len(f.Bytes)
	}
	frag = append(frag, regmgr.FragmentInstr{Bytes: []byte{0x90}}) // the app instruction

	restored, st := m.Fault(frag, appInstrOffset)
	fmt.Printf("fault rewrite status=%v restoredGPR=%d restoredSIMD=%d\n", st, len(restored.GPR), len(restored.SIMD))
	for r, v := range restored.GPR {
		fmt.Printf("  %s = 0x%x\n", r.GPRString(), v)
	}
}

func scenarioSIMDSpill() {
	m := newMediator()
	defer regmgr.Exit()

	block := []*simhost.Instr{
		{Mnemonic: "nop"},
		{Mnemonic: "use xmm0", SIMDReads: map[regmgr.RegID]regmgr.SIMDWidth{0: regmgr.WidthXMM}},
	}
	instrs := (&simhost.Block{Instrs: block}).AsHostInstrs()
	m.BeginBlock(instrs, 0)

	rid, insts, st := m.ReserveRegister(regmgr.ClassSIMD128, 1)
	fmt.Printf("reserved xmm%d, status=%v\n", rid, st)
	dump("reserve", insts)
	m.UnreserveRegister(regmgr.ClassSIMD128, rid)

	for i, ins := range instrs {
		before, after := m.Visit(ins, i == len(instrs)-1)
		dump(fmt.Sprintf("before[%d]", i), before)
		dump(fmt.Sprintf("after[%d]", i), after)
	}
	fmt.Println("end block:", m.EndBlock())
}
