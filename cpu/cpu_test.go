package cpu

import "testing"

// TestScenarioImmediateLoadAndALU runs the first concrete scenario from the
// testable-properties section: MOV EAX,42; MOV EBX,3; ADD EAX,EBX; HLT.
func TestScenarioImmediateLoadAndALU(t *testing.T) {
	c := New(65536)
	program := []byte{
		0xB8, 0x2A, 0x00, 0x00, 0x00, // MOV EAX, 42
		0xBB, 0x03, 0x00, 0x00, 0x00, // MOV EBX, 3
		0x01, 0xD8, // ADD EAX, EBX
		0xF4, // HLT
	}
	if err := c.LoadProgram(program, 0x1000); err != nil {
		t.Fatal(err)
	}
	for !c.IsHalted() {
		if err := c.Step(); err != nil {
			t.Fatal(err)
		}
	}
	s := c.GetState()
	if s.Registers["EAX"] != 45 || s.Registers["EBX"] != 3 {
		t.Fatalf("got registers %+v", s.Registers)
	}
	if s.Flags.ZF || s.Flags.SF || s.Flags.CF {
		t.Fatalf("got flags %+v", s.Flags)
	}
}

func TestScenarioZeroFlagFromSelfXOR(t *testing.T) {
	c := New(65536)
	if err := c.LoadProgram([]byte{0x31, 0xC0, 0xF4}, 0x1000); err != nil { // XOR EAX,EAX; HLT
		t.Fatal(err)
	}
	for !c.IsHalted() {
		if err := c.Step(); err != nil {
			t.Fatal(err)
		}
	}
	s := c.GetState()
	if s.Registers["EAX"] != 0 {
		t.Fatalf("got EAX=%#x", s.Registers["EAX"])
	}
	if !s.Flags.ZF || s.Flags.SF || !s.Flags.PF || s.Flags.CF || s.Flags.OF {
		t.Fatalf("got flags %+v", s.Flags)
	}
}

func TestScenarioUnsignedOverflow(t *testing.T) {
	c := New(65536)
	program := []byte{
		0xB8, 0xFF, 0xFF, 0xFF, 0xFF, // MOV EAX, 0xFFFFFFFF
		0x83, 0xC0, 0x01, // ADD EAX, 1
		0xF4, // HLT
	}
	if err := c.LoadProgram(program, 0x1000); err != nil {
		t.Fatal(err)
	}
	for !c.IsHalted() {
		if err := c.Step(); err != nil {
			t.Fatal(err)
		}
	}
	s := c.GetState()
	if s.Registers["EAX"] != 0 || !s.Flags.ZF || !s.Flags.CF || s.Flags.OF {
		t.Fatalf("got EAX=%#x flags=%+v", s.Registers["EAX"], s.Flags)
	}
}

func TestScenarioSignedOverflow(t *testing.T) {
	c := New(65536)
	program := []byte{
		0xB8, 0xFF, 0xFF, 0xFF, 0x7F, // MOV EAX, 0x7FFFFFFF
		0x40, // INC EAX
		0xF4, // HLT
	}
	if err := c.LoadProgram(program, 0x1000); err != nil {
		t.Fatal(err)
	}
	for !c.IsHalted() {
		if err := c.Step(); err != nil {
			t.Fatal(err)
		}
	}
	s := c.GetState()
	if s.Registers["EAX"] != 0x80000000 || !s.Flags.SF || !s.Flags.OF {
		t.Fatalf("got EAX=%#x flags=%+v", s.Registers["EAX"], s.Flags)
	}
}

func TestScenarioStackRoundTrip(t *testing.T) {
	c := New(65536)
	program := []byte{
		0xB8, 0xAB, 0xCD, 0xEF, 0x12, // MOV EAX, 0x12EFCDAB
		0x50, // PUSH EAX
		0x59, // POP ECX
		0xF4, // HLT
	}
	if err := c.LoadProgram(program, 0x1000); err != nil {
		t.Fatal(err)
	}
	for !c.IsHalted() {
		if err := c.Step(); err != nil {
			t.Fatal(err)
		}
	}
	s := c.GetState()
	if s.Registers["ECX"] != 0x12EFCDAB || s.Registers["ESP"] != 0xFFFF {
		t.Fatalf("got ECX=%#x ESP=%#x", s.Registers["ECX"], s.Registers["ESP"])
	}
}

func TestScenarioDivideByZero(t *testing.T) {
	c := New(65536)
	program := []byte{
		0xB9, 0x00, 0x00, 0x00, 0x00, // MOV ECX, 0
		0xF7, 0xF1, // DIV ECX
	}
	if err := c.LoadProgram(program, 0x1000); err != nil {
		t.Fatal(err)
	}
	if err := c.Step(); err != nil {
		t.Fatal(err)
	}
	eaxBefore := c.GetState().Registers["EAX"]
	if err := c.Step(); err == nil {
		t.Fatal("expected DivideByZero")
	}
	if c.GetState().Registers["EAX"] != eaxBefore {
		t.Fatalf("EAX changed despite the failed division: got %#x, want %#x", c.GetState().Registers["EAX"], eaxBefore)
	}
}

func TestCallAndRetRoundTrip(t *testing.T) {
	c := New(65536)
	// CALL into the callee, run its MOV, RET lands right after CALL.
	program := []byte{
		0xE8, 0x00, 0x10, 0x00, 0x00, // CALL 0x1000 (absolute, per this simulator's CALL semantics)
		0xF4, // HLT (never reached directly; callee RETs back here)
	}
	callee := []byte{
		0xB8, 0x01, 0x00, 0x00, 0x00, // MOV EAX, 1
		0xC3, // RET
	}
	if err := c.LoadProgram(program, 0x2000); err != nil {
		t.Fatal(err)
	}
	if err := c.LoadProgram(callee, 0x1000); err != nil {
		t.Fatal(err)
	}
	c.eip = 0x2000
	espBefore := c.GetState().Registers["ESP"]
	if err := c.Step(); err != nil { // CALL
		t.Fatal(err)
	}
	if c.GetState().EIP != 0x1000 {
		t.Fatalf("got eip %#x after CALL, want 0x1000", c.GetState().EIP)
	}
	if err := c.Step(); err != nil { // MOV EAX,1
		t.Fatal(err)
	}
	if err := c.Step(); err != nil { // RET
		t.Fatal(err)
	}
	if c.GetState().EIP != 0x2005 {
		t.Fatalf("got eip %#x after RET, want return address 0x2005", c.GetState().EIP)
	}
	if c.GetState().Registers["ESP"] != espBefore {
		t.Fatalf("ESP leaked: got %#x, want %#x", c.GetState().Registers["ESP"], espBefore)
	}
}

func TestResetRestoresPowerOnState(t *testing.T) {
	c := New(65536)
	if err := c.LoadProgram([]byte{0xB8, 0x01, 0x00, 0x00, 0x00}, 0x1000); err != nil {
		t.Fatal(err)
	}
	if err := c.Step(); err != nil {
		t.Fatal(err)
	}
	c.Reset()
	s := c.GetState()
	for name, v := range s.Registers {
		if name == "ESP" {
			if v != 0xFFFF {
				t.Fatalf("ESP after reset: got %#x, want 0xffff", v)
			}
			continue
		}
		if v != 0 {
			t.Fatalf("register %s after reset: got %#x, want 0", name, v)
		}
	}
	if s.EIP != 0 || s.Halted {
		t.Fatalf("got eip=%#x halted=%v", s.EIP, s.Halted)
	}
	if s.Flags != (Flags{}) {
		t.Fatalf("expected all flags false after reset, got %+v", s.Flags)
	}
	stats := c.GetStatistics()
	if stats.InstructionCount != 0 || stats.CycleCount != 0 {
		t.Fatalf("expected zeroed stats after reset, got %+v", stats)
	}
}

func TestBreakpoints(t *testing.T) {
	c := New(65536)
	program := []byte{
		0x90, // NOP at 0x1000
		0x90, // NOP at 0x1001
		0xF4, // HLT at 0x1002
	}
	if err := c.LoadProgram(program, 0x1000); err != nil {
		t.Fatal(err)
	}
	c.SetBreakpoint(0x1002)
	if err := c.RunUntilBreakpoint(); err != nil {
		t.Fatal(err)
	}
	if !c.IsAtBreakpoint() || c.IsHalted() {
		t.Fatalf("expected to stop at the breakpoint before executing HLT")
	}
	c.ClearBreakpoints()
	if c.IsAtBreakpoint() {
		t.Fatal("expected no breakpoints after ClearBreakpoints")
	}
}

func TestFlagLawsForCompare(t *testing.T) {
	c := New(65536)
	program := []byte{
		0xB8, 0x05, 0x00, 0x00, 0x00, // MOV EAX, 5
		0xBB, 0x05, 0x00, 0x00, 0x00, // MOV EBX, 5
		0x39, 0xD8, // CMP EAX, EBX
	}
	if err := c.LoadProgram(program, 0x1000); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := c.Step(); err != nil {
			t.Fatal(err)
		}
	}
	f := c.GetState().Flags
	if !f.ZF || f.CF {
		t.Fatalf("CMP of equal values: got ZF=%v CF=%v, want ZF=true CF=false", f.ZF, f.CF)
	}
}

func TestGetInstructionsAtStopsOnDecodeError(t *testing.T) {
	c := New(65536)
	program := []byte{0x90, 0x90, 0x0E} // NOP, NOP, unmapped opcode
	if err := c.LoadProgram(program, 0x1000); err != nil {
		t.Fatal(err)
	}
	ins := c.GetInstructionsAt(0x1000, 10)
	if len(ins) != 2 {
		t.Fatalf("got %d instructions, want 2 (decode should stop at the bad opcode)", len(ins))
	}
}

func TestShlSetsCarryAndOverflow(t *testing.T) {
	c := New(65536)
	program := []byte{
		0xB8, 0x00, 0x00, 0x00, 0x80, // MOV EAX, 0x80000000
		0xD1, 0xE0, // SHL EAX, 1
	}
	if err := c.LoadProgram(program, 0x1000); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := c.Step(); err != nil {
			t.Fatal(err)
		}
	}
	s := c.GetState()
	if s.Registers["EAX"] != 0 {
		t.Fatalf("got EAX=%#x, want 0", s.Registers["EAX"])
	}
	if !s.Flags.CF || !s.Flags.OF || !s.Flags.ZF {
		t.Fatalf("got flags %+v, want CF=OF=ZF=true", s.Flags)
	}
}

func TestShrByImm8SetsCarry(t *testing.T) {
	c := New(65536)
	program := []byte{
		0xB8, 0x03, 0x00, 0x00, 0x00, // MOV EAX, 3
		0xC1, 0xE8, 0x01, // SHR EAX, 1
	}
	if err := c.LoadProgram(program, 0x1000); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := c.Step(); err != nil {
			t.Fatal(err)
		}
	}
	s := c.GetState()
	if s.Registers["EAX"] != 1 {
		t.Fatalf("got EAX=%#x, want 1", s.Registers["EAX"])
	}
	if !s.Flags.CF {
		t.Fatalf("got CF=false, want true (bit 0 of 3 shifted out)")
	}
}

// TestShiftByZeroCountLeavesFlagsUntouched exercises the masked-shift-count
// policy from spec.md §9: a count of 0 (here, 32 masked by count&31) must
// leave every flag untouched, not just CF/OF, even though the destination's
// ZF/SF/PF would differ from the stale flag state if recomputed.
func TestShiftByZeroCountLeavesFlagsUntouched(t *testing.T) {
	c := New(65536)
	program := []byte{
		0xB8, 0x01, 0x00, 0x00, 0x00, // MOV EAX, 1
		0x3D, 0x01, 0x00, 0x00, 0x00, // CMP EAX, 1      -> ZF=1, PF=1 while EAX stays 1
		0xC1, 0xE0, 0x20, // SHL EAX, 0x20 (count&31 == 0, a no-op shift)
	}
	if err := c.LoadProgram(program, 0x1000); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := c.Step(); err != nil {
			t.Fatal(err)
		}
	}
	before := c.GetState().Flags
	if err := c.Step(); err != nil { // SHL EAX, 0x20
		t.Fatal(err)
	}
	after := c.GetState().Flags
	if before != after {
		t.Fatalf("shift by a masked count of 0 changed flags: before=%+v after=%+v", before, after)
	}
	if c.GetState().Registers["EAX"] != 1 {
		t.Fatalf("shift by a masked count of 0 changed the operand: got %#x, want 1", c.GetState().Registers["EAX"])
	}
}

func TestConditionalJumpTaken(t *testing.T) {
	c := New(65536)
	program := []byte{
		0x31, 0xC0, // 0x1000: XOR EAX, EAX -> ZF=1
		0x74, 0x07, // 0x1002: JZ +7 (rel8 is added to this instruction's own address, landing on HLT at 0x1009)
		0xB8, 0xFF, 0xFF, 0xFF, 0xFF, // 0x1004: MOV EAX, -1 (skipped)
		0xF4, // 0x1009: HLT
	}
	if err := c.LoadProgram(program, 0x1000); err != nil {
		t.Fatal(err)
	}
	for !c.IsHalted() {
		if err := c.Step(); err != nil {
			t.Fatal(err)
		}
	}
	if c.GetState().Registers["EAX"] != 0 {
		t.Fatalf("JZ should have skipped the MOV: got EAX=%#x", c.GetState().Registers["EAX"])
	}
}

func TestConditionalJumpNotTaken(t *testing.T) {
	c := New(65536)
	program := []byte{
		0xB8, 0x01, 0x00, 0x00, 0x00, // MOV EAX, 1
		0x83, 0xC0, 0xFF, // ADD EAX, 0xff (raw, not sign-extended) -> EAX=0x100, ZF=0
		0x74, 0x05, // JZ +5 (not taken)
		0xBB, 0x2A, 0x00, 0x00, 0x00, // MOV EBX, 42
		0xF4, // HLT
	}
	if err := c.LoadProgram(program, 0x1000); err != nil {
		t.Fatal(err)
	}
	for !c.IsHalted() {
		if err := c.Step(); err != nil {
			t.Fatal(err)
		}
	}
	if c.GetState().Registers["EBX"] != 42 {
		t.Fatalf("JZ should not have been taken: got EBX=%#x", c.GetState().Registers["EBX"])
	}
}
