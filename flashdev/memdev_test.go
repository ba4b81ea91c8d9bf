package flashdev

import (
	"math/bits"
	"testing"
)

func TestWriteAtOnlyClearsBits(t *testing.T) {
	d := NewMemDevice(64, 2)

	before := make([]byte, 16)
	if _, err := d.ReadAt(before, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if _, err := d.WriteAt([]byte{0x0F, 0xF0, 0x00, 0xFF}, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	after := make([]byte, 16)
	if _, err := d.ReadAt(after, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	for i := range before {
		// Every bit set in `after` but not `before` would mean a write set
		// a bit that was previously clear, which NOR flash cannot do.
		if bits.OnesCount8(after[i]&^before[i]) != 0 {
			t.Fatalf("byte %d: write set a bit that was previously clear (before=%#x after=%#x)", i, before[i], after[i])
		}
	}
}

func TestEraseResetsToAllOnes(t *testing.T) {
	d := NewMemDevice(32, 3)
	if _, err := d.WriteAt([]byte{0x00, 0x00, 0x00}, 32); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := d.Erase(1); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	got := make([]byte, 32)
	if _, err := d.ReadAt(got, 32); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i, b := range got {
		if b != 0xFF {
			t.Fatalf("byte %d after erase: got %#x, want 0xFF", i, b)
		}
	}
}

func TestWriteAtOutOfRange(t *testing.T) {
	d := NewMemDevice(16, 1)
	if _, err := d.WriteAt([]byte{0}, 16); err == nil {
		t.Fatal("WriteAt past device end: want error, got nil")
	}
}
