package regmgr

// x86enc emits the small, fixed repertoire of x86-64 instructions this core
// ever generates: a GPR <-> FS-relative-slot move, an indirect-SIMD
// pointer load, and an xmm <-> [base+disp32] move. The encodings are real
// (FaultRewriter.Rewrite decodes them with golang.org/x/arch/x86/x86asm to
// cross-check lengths) but deliberately narrow: nothing here tries to be a
// general assembler.

func regLow3(r RegID) byte  { return byte(r) & 7 }
func regExt(r RegID) bool   { return r >= R8 }

// rex builds a REX prefix. w selects 64-bit operand size; r/x/b extend the
// ModRM.reg, SIB.index and ModRM.rm/SIB.base fields respectively.
func rex(w, r, x, b bool) byte {
	v := byte(0x40)
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

func le32(v int32) []byte {
	u := uint32(v)
	return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}
}

// absFSDisp32 encodes a ModRM+SIB pair selecting [FS:disp32] -- mod=00,
// rm=100 (SIB follows), SIB base=101 with mod=00 means "no base register,
// disp32 follows", which is the standard trick for absolute-displacement
// addressing in 64-bit mode.
func absFSDisp32(regField byte) []byte {
	modrm := byte(0x00)<<6 | (regField&7)<<3 | 0x04
	sib := byte(0x00)<<6 | byte(0x04)<<3 | 0x05
	return []byte{modrm, sib}
}

// baseDisp32 encodes [baseReg + disp32], adding a SIB byte when baseReg is
// RSP or R12 (low3 == 4), whose encoding would otherwise collide with the
// SIB-escape and RIP-relative forms.
func baseDisp32(regField byte, base RegID) []byte {
	lo := regLow3(base)
	modrm := byte(0x02)<<6 | (regField&7)<<3 | lo
	if lo == 0x04 {
		sib := byte(0x00)<<6 | byte(0x04)<<3 | lo
		return []byte{modrm, sib}
	}
	return []byte{modrm}
}

// encodeGPRSlotStore emits `mov [fs:disp], reg` -- a direct spill of reg to
// a TLS slot at byte offset disp.
func encodeGPRSlotStore(reg RegID, disp int32) []byte {
	out := []byte{0x64, rex(true, regExt(reg), false, false), 0x89}
	out = append(out, absFSDisp32(regLow3(reg))...)
	return append(out, le32(disp)...)
}

// encodeGPRSlotLoad emits `mov reg, [fs:disp]` -- a direct restore.
func encodeGPRSlotLoad(reg RegID, disp int32) []byte {
	out := []byte{0x64, rex(true, regExt(reg), false, false), 0x8b}
	out = append(out, absFSDisp32(regLow3(reg))...)
	return append(out, le32(disp)...)
}

// encodeSIMDBlockPtrLoad emits `mov scratch, [fs:disp]` -- the first of the
// two indirect-SIMD instructions, loading the SIMD block pointer.
func encodeSIMDBlockPtrLoad(scratch RegID, disp int32) []byte {
	return encodeGPRSlotLoad(scratch, disp)
}

// encodeSIMDStore emits `movdqa [scratch+disp], xmm` -- the second
// indirect-SIMD instruction, spilling xmm to the block.
func encodeSIMDStore(xmm RegID, scratch RegID, disp int32) []byte {
	out := []byte{0x66}
	if regExt(xmm) || regExt(scratch) {
		out = append(out, rex(false, regExt(xmm), false, regExt(scratch)))
	}
	out = append(out, 0x0f, 0x7f)
	out = append(out, baseDisp32(regLow3(xmm), scratch)...)
	return append(out, le32(disp)...)
}

// encodeSIMDLoad emits `movdqa xmm, [scratch+disp]` -- the restore side.
func encodeSIMDLoad(xmm RegID, scratch RegID, disp int32) []byte {
	out := []byte{0x66}
	if regExt(xmm) || regExt(scratch) {
		out = append(out, rex(false, regExt(xmm), false, regExt(scratch)))
	}
	out = append(out, 0x0f, 0x6f)
	out = append(out, baseDisp32(regLow3(xmm), scratch)...)
	return append(out, le32(disp)...)
}

// encodeLAHF emits `lahf` -- loads SF:ZF:0:AF:0:PF:1:CF into AH, the first
// half of the flags-capture sequence.
func encodeLAHF() []byte { return []byte{0x9f} }

// encodeSAHF emits `sahf` -- the inverse of lahf, used to restore AH into
// the flags register.
func encodeSAHF() []byte { return []byte{0x9e} }

// encodeSETO emits `seto` into reg's low byte (dl for overflowCarrier), reproducing the
// overflow flag without touching AH (and hence without clobbering the
// other five flags lahf already captured there).
func encodeSETO(reg RegID) []byte {
	out := []byte{}
	if regExt(reg) {
		out = append(out, rex(false, false, false, true))
	}
	out = append(out, 0x0f, 0x90)
	out = append(out, 0xc0|(regLow3(reg)))
	return out
}
