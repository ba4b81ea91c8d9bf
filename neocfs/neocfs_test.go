package neocfs

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/neoflashfs/neoflash/flashdev"
	"github.com/neoflashfs/neoflash/internal/registry"
)

const (
	testSectorSize = 256
	testRecordSize = 30
)

func newTestStore(t *testing.T, descriptors []registry.FileDescriptor, sectors int) (*Store, flashdev.Device) {
	t.Helper()
	dev := flashdev.NewMemDevice(testSectorSize, sectors)
	s := New(dev, descriptors)
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.Format(); err != nil {
		t.Fatalf("Format: %v", err)
	}
	return s, dev
}

func record(n int, size int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(n)
	}
	return buf
}

func TestInitRejectsNonPowerOfTwoSlotSize(t *testing.T) {
	dev := flashdev.NewMemDevice(testSectorSize, 4)
	s := New(dev, []registry.FileDescriptor{
		{Name: "bad", RecordSize: 29, StartAddr: 0, EndAddr: uint32(testSectorSize * 4)},
	})
	if err := s.Init(); err == nil {
		t.Fatal("Init: want error for record size+2 not a power of two, got nil")
	}
}

func TestFillAndDrain(t *testing.T) {
	const region = 64 * 1024
	fd := registry.FileDescriptor{
		Name:       "log",
		RecordSize: testRecordSize,
		StartAddr:  0,
		EndAddr:    region,
	}
	s, _ := newTestStore(t, []registry.FileDescriptor{fd}, region/testSectorSize)

	h, err := s.OpenByName("log")
	if err != nil {
		t.Fatalf("OpenByName: %v", err)
	}

	const numRecords = 2048
	slotSize := fd.SlotSize()
	capacity := int(fd.RingLen()/slotSize) - 1

	written := 0
	for i := 0; i < numRecords; i++ {
		if err := s.WriteRecord(h, record(i%256, testRecordSize)); err != nil {
			t.Fatalf("WriteRecord #%d: %v", i, err)
		}
		written++
		if written > capacity {
			buf := make([]byte, testRecordSize)
			if err := s.ReadRecord(h, buf); err != nil {
				t.Fatalf("ReadRecord while draining: %v", err)
			}
			if err := s.MarkObsolete(h); err != nil {
				t.Fatalf("MarkObsolete: %v", err)
			}
			if err := s.NextRecord(h); err != nil {
				t.Fatalf("NextRecord: %v", err)
			}
		}
	}

	for i := 0; i < capacity; i++ {
		buf := make([]byte, testRecordSize)
		if err := s.ReadRecord(h, buf); err != nil {
			t.Fatalf("drain ReadRecord #%d: %v", i, err)
		}
		if err := s.MarkObsolete(h); err != nil {
			t.Fatalf("drain MarkObsolete #%d: %v", i, err)
		}
		if err := s.NextRecord(h); err != nil {
			t.Fatalf("drain NextRecord #%d: %v", i, err)
		}
	}

	buf := make([]byte, testRecordSize)
	if err := s.ReadRecord(h, buf); err == nil {
		t.Fatal("ReadRecord on empty log: want error, got nil")
	}
}

func TestWraparoundAfterPartialDrain(t *testing.T) {
	const region = 64 * 1024
	fd := registry.FileDescriptor{
		Name:       "wrap",
		RecordSize: testRecordSize,
		StartAddr:  0,
		EndAddr:    region,
	}
	s, _ := newTestStore(t, []registry.FileDescriptor{fd}, region/testSectorSize)

	h, err := s.OpenByName("wrap")
	if err != nil {
		t.Fatalf("OpenByName: %v", err)
	}

	// WriteRecord keeps the head two sectors short of the tail's sector, so
	// with the tail at the start of the region only RingLen-2*sector bytes of
	// slots can be filled.
	capacity := int((fd.RingLen() - 2*testSectorSize) / fd.SlotSize())
	for i := 0; i < capacity; i++ {
		if err := s.WriteRecord(h, record(i%256, testRecordSize)); err != nil {
			t.Fatalf("fill WriteRecord #%d: %v", i, err)
		}
	}

	half := capacity / 2
	for i := 0; i < half; i++ {
		buf := make([]byte, testRecordSize)
		if err := s.ReadRecord(h, buf); err != nil {
			t.Fatalf("drain ReadRecord #%d: %v", i, err)
		}
		want := record(i%256, testRecordSize)
		if !bytes.Equal(buf, want) {
			t.Fatalf("drain record #%d: got %v want %v (diff %s)", i, buf, want, cmp.Diff(want, buf))
		}
		if err := s.MarkObsolete(h); err != nil {
			t.Fatalf("MarkObsolete: %v", err)
		}
		if err := s.NextRecord(h); err != nil {
			t.Fatalf("NextRecord: %v", err)
		}
	}

	for i := 0; i < 500; i++ {
		if err := s.WriteRecord(h, record((i+100)%256, testRecordSize)); err != nil {
			t.Fatalf("post-wrap WriteRecord #%d: %v", i, err)
		}
	}
}

func TestMarkObsoleteOnlyAtTail(t *testing.T) {
	const region = 64 * 1024
	fd := registry.FileDescriptor{
		Name:       "tailonly",
		RecordSize: testRecordSize,
		StartAddr:  0,
		EndAddr:    region,
	}
	s, _ := newTestStore(t, []registry.FileDescriptor{fd}, region/testSectorSize)

	h, err := s.OpenByName("tailonly")
	if err != nil {
		t.Fatalf("OpenByName: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.WriteRecord(h, record(i, testRecordSize)); err != nil {
			t.Fatalf("WriteRecord #%d: %v", i, err)
		}
	}

	if err := s.NextRecord(h); err != nil {
		t.Fatalf("NextRecord: %v", err)
	}
	tailBefore := h.tail
	if err := s.MarkObsolete(h); err != nil {
		t.Fatalf("MarkObsolete: %v", err)
	}
	if h.tail != tailBefore {
		t.Fatalf("MarkObsolete advanced tail while read cursor was past it: tail %#x, want unchanged %#x", h.tail, tailBefore)
	}
}

func TestOverwriteOldestFlag(t *testing.T) {
	const region = 2 * testSectorSize
	fd := registry.FileDescriptor{
		Name:       "ring",
		RecordSize: testRecordSize,
		StartAddr:  0,
		EndAddr:    region,
		Flags:      registry.FlagOverwriteOldest,
	}
	s, _ := newTestStore(t, []registry.FileDescriptor{fd}, region/testSectorSize)

	h, err := s.OpenByName("ring")
	if err != nil {
		t.Fatalf("OpenByName: %v", err)
	}

	capacity := int(fd.RingLen()/fd.SlotSize()) - 1
	for i := 0; i < capacity*3; i++ {
		if err := s.WriteRecord(h, record(i%256, testRecordSize)); err != nil {
			t.Fatalf("WriteRecord #%d with overwrite-oldest: %v", i, err)
		}
	}
}
