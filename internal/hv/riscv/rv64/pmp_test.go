package rv64

import "testing"

func newTestPMP() *PMP {
	return NewPMP(nil)
}

// encodeNAPOT returns the pmpaddr register value encoding a NAPOT region of
// the given power-of-two size starting at base.
func encodeNAPOT(base, size uint64) uint64 {
	return (base | (size/2 - 1)) >> 2
}

func TestNumRulesConsistency(t *testing.T) {
	p := newTestPMP()

	p.PmpcfgWrite(0, uint64(PmpR)|uint64(PmpTOR)<<pmpCfgAShift)
	p.PmpaddrWrite(0, 0x1000>>2)
	if got := p.NumRules(); got != 1 {
		t.Fatalf("NumRules() = %d, want 1", got)
	}

	// Entry 1 stays OFF.
	p.PmpaddrWrite(1, 0x2000>>2)
	if got := p.NumRules(); got != 1 {
		t.Fatalf("NumRules() after addr-only write = %d, want 1", got)
	}

	// Turn entry 1 on too.
	p.PmpcfgWrite(0, uint64(PmpR)|uint64(PmpTOR)<<pmpCfgAShift|
		(uint64(PmpR)|uint64(PmpTOR)<<pmpCfgAShift)<<8)
	if got := p.NumRules(); got != 2 {
		t.Fatalf("NumRules() after second entry enabled = %d, want 2", got)
	}

	// Disable entry 0.
	p.PmpcfgWrite(0, (uint64(PmpR)|uint64(PmpTOR)<<pmpCfgAShift)<<8)
	if got := p.NumRules(); got != 1 {
		t.Fatalf("NumRules() after disabling entry 0 = %d, want 1", got)
	}
}

func TestMseccfgStickiness(t *testing.T) {
	p := newTestPMP()

	p.MseccfgWrite(MseccfgMML)
	if p.MseccfgRead()&MseccfgMML == 0 {
		t.Fatal("MML not set after initial write")
	}

	// Attempt to clear MML (and set MMWP at the same time).
	p.MseccfgWrite(MseccfgMMWP)
	got := p.MseccfgRead()
	if got&MseccfgMML == 0 {
		t.Fatal("MML was cleared, but it must be sticky")
	}
	if got&MseccfgMMWP == 0 {
		t.Fatal("MMWP was not latched by the write that set it")
	}

	// Once MMWP is set it must stay set too, across further writes.
	p.MseccfgWrite(0)
	if p.MseccfgRead()&MseccfgMMWP == 0 {
		t.Fatal("MMWP was cleared, but it must be sticky")
	}
}

func TestRLBLocking(t *testing.T) {
	p := newTestPMP()

	p.PmpcfgWrite(0, uint64(pmpCfgL)|uint64(PmpR)|uint64(PmpNA4)<<pmpCfgAShift)
	if !p.isLocked(0) {
		t.Fatal("entry 0 should be locked")
	}

	// RLB must not be settable while any entry is locked.
	p.MseccfgWrite(MseccfgRLB)
	if p.MseccfgRead()&MseccfgRLB != 0 {
		t.Fatal("RLB was set while a locked entry exists")
	}
}

func TestLockImmutability(t *testing.T) {
	p := newTestPMP()

	lockedCfg := uint8(pmpCfgL) | uint8(PmpR) | uint8(PmpNA4)<<pmpCfgAShift
	p.writeCfgByte(0, lockedCfg)
	before := p.entries[0].cfg

	// Attempt to overwrite with a different cfg byte and a different addr.
	p.writeCfgByte(0, uint8(PmpR)|uint8(PmpW)|uint8(PmpNAPOT)<<pmpCfgAShift)
	p.PmpaddrWrite(0, 0xdeadbeef)

	if p.entries[0].cfg != before {
		t.Fatalf("locked entry cfg changed: before=0x%x after=0x%x", before, p.entries[0].cfg)
	}
}

func TestTORNeighbourProtection(t *testing.T) {
	p := newTestPMP()

	// entry 1: locked, TOR.
	p.writeCfgByte(1, uint8(pmpCfgL)|uint8(PmpR)|uint8(PmpTOR)<<pmpCfgAShift)
	p.PmpaddrWrite(1, 0x200)

	before := p.entries[0].addr
	p.PmpaddrWrite(0, 0x100)

	if p.entries[0].addr != before {
		t.Fatalf("pmpaddr[0] write should have been a no-op, got addr=0x%x", p.entries[0].addr)
	}
}

func TestPriorityLowestIndexWins(t *testing.T) {
	p := newTestPMP()

	// Two overlapping NA4 regions at the same address, both R, entry 0
	// granting R only and entry 1 granting R|W; entry 0 must win.
	p.writeCfgByte(0, uint8(PmpR)|uint8(PmpNA4)<<pmpCfgAShift)
	p.PmpaddrWrite(0, 0x1000>>2)
	p.writeCfgByte(1, uint8(PmpR)|uint8(PmpW)|uint8(PmpNA4)<<pmpCfgAShift)
	p.PmpaddrWrite(1, 0x1000>>2)

	verdict, privs := p.Check(0x1000, 1, PmpR, PrivUser)
	if verdict != 0 {
		t.Fatalf("verdict = %v, want rule 0", verdict)
	}
	if privs != PmpR {
		t.Fatalf("effective privs = %v, want R only (rule 0's grant)", privs)
	}
}

func TestCheckDeterminism(t *testing.T) {
	p := newTestPMP()
	p.writeCfgByte(0, uint8(PmpR)|uint8(PmpW)|uint8(PmpNAPOT)<<pmpCfgAShift)
	p.PmpaddrWrite(0, encodeNAPOT(0x8000_0000, 0x1000))

	v1, pr1 := p.Check(0x8000_0100, 4, PmpR, PrivUser)
	v2, pr2 := p.Check(0x8000_0100, 4, PmpR, PrivUser)

	if v1 != v2 || pr1 != pr2 {
		t.Fatalf("Check is not deterministic: (%v,%v) vs (%v,%v)", v1, pr1, v2, pr2)
	}
}

func TestNAPOTRoundTrip(t *testing.T) {
	tests := []struct {
		base, size uint64
	}{
		{0x8000_0000, 0x10},
		{0x8000_0000, 0x1000},
		{0x1_0000_0000, 0x1_0000},
	}
	for _, tc := range tests {
		addr := encodeNAPOT(tc.base, tc.size)
		sa, ea := pmpDecodeNAPOT(addr)
		if sa != tc.base {
			t.Errorf("base=0x%x size=0x%x: sa=0x%x, want 0x%x", tc.base, tc.size, sa, tc.base)
		}
		gotLen := ea - sa + 1
		if gotLen != tc.size {
			t.Errorf("base=0x%x size=0x%x: decoded length=0x%x, want 0x%x", tc.base, tc.size, gotLen, tc.size)
		}
	}
}

// --- End-to-end scenarios (spec.md section 8) ---

func TestScenarioNAPOTAllowReadUMode(t *testing.T) {
	p := newTestPMP()
	p.writeCfgByte(0, uint8(PmpR)|uint8(PmpNAPOT)<<pmpCfgAShift)
	p.PmpaddrWrite(0, encodeNAPOT(0x8000_0000, 0x1_0000))

	verdict, privs := p.Check(0x8000_0100, 4, PmpR, PrivUser)
	if verdict != 0 {
		t.Fatalf("verdict = %v, want rule 0", verdict)
	}
	if privs&PmpR == 0 {
		t.Fatalf("expected R granted, got %v", privs)
	}
}

func TestScenarioPartialOverlapDenial(t *testing.T) {
	p := newTestPMP()
	p.writeCfgByte(0, uint8(PmpR)|uint8(PmpNAPOT)<<pmpCfgAShift)
	p.PmpaddrWrite(0, encodeNAPOT(0x1000, 0x10)) // covers [0x1000, 0x100F]

	verdict, _ := p.Check(0x100C, 8, PmpR, PrivUser)
	if verdict != PmpVerdictDenyPartial {
		t.Fatalf("verdict = %v, want DENY_PARTIAL", verdict)
	}
}

func TestScenarioMModeBypassWithoutMML(t *testing.T) {
	p := newTestPMP()

	verdict, privs := p.Check(0x1234, 4, PmpR|PmpW|PmpX, PrivMachine)
	if verdict != PmpVerdictDefault {
		t.Fatalf("verdict = %v, want DEFAULT", verdict)
	}
	if privs != (PmpR | PmpW | PmpX) {
		t.Fatalf("privs = %v, want RWX", privs)
	}
}

func TestScenarioMMWPDefaultDeny(t *testing.T) {
	p := newTestPMP()
	p.MseccfgWrite(MseccfgMMWP)

	verdict, privs := p.Check(0xDEAD, 1, PmpR, PrivMachine)
	if verdict != PmpVerdictDefault || privs != 0 {
		t.Fatalf("Check() = (%v,%v), want (DEFAULT, 0)", verdict, privs)
	}
}

func TestScenarioLockedTORNeighbour(t *testing.T) {
	p := newTestPMP()
	p.writeCfgByte(1, uint8(pmpCfgL)|uint8(PmpR)|uint8(PmpTOR)<<pmpCfgAShift)
	p.PmpaddrWrite(1, 0x200)

	before := p.entries[0].addr
	p.PmpaddrWrite(0, 0x100)

	if p.entries[0].addr != before {
		t.Fatalf("pmpaddr[0] should remain 0x%x, got 0x%x", before, p.entries[0].addr)
	}
}

func TestScenarioEPMPInvalidEncoding(t *testing.T) {
	p := newTestPMP()
	p.MseccfgWrite(MseccfgMML)

	// op code 9 is L | X (no R, no W).
	cfg := uint8(pmpCfgL) | uint8(PmpX)
	p.writeCfgByte(0, cfg)

	if p.entries[0].cfg != 0 {
		t.Fatalf("entry 0 cfg = 0x%x, want 0 (write rejected)", p.entries[0].cfg)
	}
}

func TestScenarioTLBSizeHint(t *testing.T) {
	p := newTestPMP()

	p.writeCfgByte(0, uint8(PmpR)|uint8(PmpTOR)<<pmpCfgAShift)
	p.PmpaddrWrite(0, 0x8000_0008>>2)
	p.writeCfgByte(1, uint8(PmpR)|uint8(PmpTOR)<<pmpCfgAShift)
	p.PmpaddrWrite(1, 0x8000_0010>>2)

	if got := p.TLBPageSize(0x8000_0000); got != 1 {
		t.Fatalf("TLBPageSize (partial coverage) = %d, want 1", got)
	}

	// Extend entry 1 to cover the whole page.
	p.writeCfgByte(0, uint8(PmpR)|uint8(PmpTOR)<<pmpCfgAShift)
	p.PmpaddrWrite(0, 0x8000_0000>>2)
	p.writeCfgByte(1, uint8(PmpR)|uint8(PmpTOR)<<pmpCfgAShift)
	p.PmpaddrWrite(1, (0x8000_0000+PageSize)>>2)

	if got := p.TLBPageSize(0x8000_0000); got != PageSize {
		t.Fatalf("TLBPageSize (full coverage) = %d, want %d", got, PageSize)
	}
}

func TestGuestErrorLogStrings(t *testing.T) {
	var log testLogWriter
	p := newTestPMP()
	p.GuestLog = &log

	// Out-of-bounds pmpcfg write.
	p.writeCfgByte(-1, 0)
	if !log.contains("ignoring pmpcfg write - out of bounds") {
		t.Errorf("missing out-of-bounds cfg message, got: %v", log.lines)
	}

	// Locked entry.
	p.writeCfgByte(0, uint8(pmpCfgL)|uint8(PmpR)|uint8(PmpNA4)<<pmpCfgAShift)
	p.writeCfgByte(0, 0)
	if !log.contains("ignoring pmpcfg write - locked") {
		t.Errorf("missing locked cfg message, got: %v", log.lines)
	}

	// Invalid ePMP encoding.
	p.entries[1] = pmpEntry{}
	p.MseccfgWrite(MseccfgMML)
	p.writeCfgByte(1, uint8(pmpCfgL)|uint8(PmpX))
	if !log.contains("ignoring pmpcfg write - invalid") {
		t.Errorf("missing invalid cfg message, got: %v", log.lines)
	}

	// Partial overlap during Check.
	p2 := newTestPMP()
	p2.GuestLog = &log
	p2.writeCfgByte(0, uint8(PmpR)|uint8(PmpNAPOT)<<pmpCfgAShift)
	p2.PmpaddrWrite(0, encodeNAPOT(0x1000, 0x10))
	p2.Check(0x100C, 8, PmpR, PrivUser)
	if !log.contains("pmp violation - access is partially inside") {
		t.Errorf("missing partial-overlap message, got: %v", log.lines)
	}
}

func TestPagePermFromPrivs(t *testing.T) {
	tests := []struct {
		name  string
		privs PmpPriv
		want  uint64
	}{
		{"none", 0, 0},
		{"r", PmpR, PteR},
		{"w", PmpW, PteW},
		{"x", PmpX, PteX},
		{"rw", PmpR | PmpW, PteR | PteW},
		{"rx", PmpR | PmpX, PteR | PteX},
		{"wx", PmpW | PmpX, PteW | PteX},
		{"rwx", PmpR | PmpW | PmpX, PteR | PteW | PteX},
	}

	for _, tc := range tests {
		if got := PagePermFromPrivs(tc.privs); got != tc.want {
			t.Errorf("%s: PagePermFromPrivs(%#x) = %#x, want %#x", tc.name, tc.privs, got, tc.want)
		}
	}
}

type testLogWriter struct {
	lines []string
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.lines = append(w.lines, string(p))
	return len(p), nil
}

func (w *testLogWriter) contains(substr string) bool {
	for _, l := range w.lines {
		if len(l) >= len(substr) && indexOfSubstr(l, substr) >= 0 {
			return true
		}
	}
	return false
}

func indexOfSubstr(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
