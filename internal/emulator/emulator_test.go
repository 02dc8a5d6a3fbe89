package emulator

import "testing"

// ARM64 test code: MOV X0, #5; MOV X1, #3; ADD X2, X0, X1; RET
var addTestCode = []byte{
	0xa0, 0x00, 0x80, 0xd2, // MOV X0, #5
	0x61, 0x00, 0x80, 0xd2, // MOV X1, #3
	0x02, 0x00, 0x01, 0x8b, // ADD X2, X0, X1
	0xc0, 0x03, 0x5f, 0xd6, // RET
}

const testCodeBase = uint64(0x10000)

func loadTestCode(t *testing.T, emu *Emulator, code []byte) {
	t.Helper()
	if err := emu.MemMap(testCodeBase, 0x1000, ProtAll); err != nil {
		t.Fatalf("map code region: %v", err)
	}
	if err := emu.MemWrite(testCodeBase, code); err != nil {
		t.Fatalf("write code: %v", err)
	}
}

func TestEmulatorBasic(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	loadTestCode(t, emu, addTestCode)

	sentinel := uint64(0xDEADBEEF)
	if err := emu.SetLR(sentinel); err != nil {
		t.Fatalf("Failed to set LR: %v", err)
	}

	endAddr := testCodeBase + uint64(len(addTestCode))
	err = emu.Start(testCodeBase, endAddr)
	if err != nil {
		t.Logf("Expected stop error: %v", err)
	}

	if x2 := emu.X(2); x2 != 8 {
		t.Errorf("Expected X2=8, got X2=%d", x2)
	}
	if emu.X(0) != 5 {
		t.Errorf("Expected X0=5, got X0=%d", emu.X(0))
	}
	if emu.X(1) != 3 {
		t.Errorf("Expected X1=3, got X1=%d", emu.X(1))
	}
}

func TestMemoryOperations(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	if err := emu.MemMap(HeapBase, 0x1000, ProtRead|ProtWrite); err != nil {
		t.Fatalf("map heap: %v", err)
	}

	addr := uint64(HeapBase)
	val := uint64(0x123456789ABCDEF0)

	if err := emu.MemWriteU64(addr, val); err != nil {
		t.Fatalf("Failed to write U64: %v", err)
	}

	readVal, err := emu.MemReadU64(addr)
	if err != nil {
		t.Fatalf("Failed to read U64: %v", err)
	}
	if readVal != val {
		t.Errorf("U64 mismatch: wrote 0x%x, read 0x%x", val, readVal)
	}

	strAddr := addr + 64
	testStr := "Hello, guest!"
	if err := emu.MemWriteString(strAddr, testStr); err != nil {
		t.Fatalf("Failed to write string: %v", err)
	}

	readStr, err := emu.MemReadString(strAddr, 64)
	if err != nil {
		t.Fatalf("Failed to read string: %v", err)
	}
	if readStr != testStr {
		t.Errorf("String mismatch: wrote %q, read %q", testStr, readStr)
	}
}

func TestMalloc(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	addr1 := emu.Malloc(100)
	addr2 := emu.Malloc(200)
	addr3 := emu.Malloc(50)

	if addr1%16 != 0 {
		t.Errorf("addr1 not 16-byte aligned: 0x%x", addr1)
	}
	if addr2%16 != 0 {
		t.Errorf("addr2 not 16-byte aligned: 0x%x", addr2)
	}
	if addr3%16 != 0 {
		t.Errorf("addr3 not 16-byte aligned: 0x%x", addr3)
	}

	size1 := uint64(112) // 100 rounded to 16
	size2 := uint64(208) // 200 rounded to 16

	if addr2 < addr1+size1 {
		t.Errorf("addr2 overlaps addr1")
	}
	if addr3 < addr2+size2 {
		t.Errorf("addr3 overlaps addr2")
	}
}

func TestAddressHook(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	loadTestCode(t, emu, addTestCode)

	hookCalled := false
	secondInstrAddr := testCodeBase + 4
	emu.HookAddress(secondInstrAddr, func(e *Emulator) bool {
		hookCalled = true
		e.SetX(1, 10)
		return false
	})

	if err := emu.SetLR(0xDEADBEEF); err != nil {
		t.Fatalf("Failed to set LR: %v", err)
	}

	endAddr := testCodeBase + uint64(len(addTestCode))
	_ = emu.Start(testCodeBase, endAddr)

	if !hookCalled {
		t.Error("Address hook was not called")
	}
	t.Logf("X1 after hook: %d", emu.X(1))
}

func TestCodeHook(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	loadTestCode(t, emu, addTestCode)

	instrCount := 0
	emu.HookCode(func(e *Emulator, addr uint64, size uint32) {
		instrCount++
	})

	if err := emu.SetLR(0xDEADBEEF); err != nil {
		t.Fatalf("Failed to set LR: %v", err)
	}

	endAddr := testCodeBase + uint64(len(addTestCode))
	_ = emu.Start(testCodeBase, endAddr)

	if instrCount != 4 {
		t.Errorf("Expected 4 instructions, got %d", instrCount)
	}
}
