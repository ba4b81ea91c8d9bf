package neofs

import (
	"bytes"
	"testing"

	"github.com/neoflashfs/neoflash/flashdev"
)

const (
	testSectorSize = 256
	testPageSize   = 32
	testNameMax    = 16
)

func newTestStore(t *testing.T, sectors int) (*Store, flashdev.Device) {
	t.Helper()
	dev := flashdev.NewMemDevice(testSectorSize, sectors)
	s := New(dev, Config{
		PageSize:       testPageSize,
		NameMax:        testNameMax,
		MinFreeSectors: 1,
	})
	if err := s.Format(); err != nil {
		t.Fatalf("Format: %v", err)
	}
	return s, dev
}

func TestOpenMissingFileFails(t *testing.T) {
	s, _ := newTestStore(t, 4)
	if _, err := s.Open("nope", ModeRead); err == nil {
		t.Fatal("Open missing file in ModeRead: want error, got nil")
	}
}

func TestSmallRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, 4)

	h, err := s.Open("greeting", ModeWrite)
	if err != nil {
		t.Fatalf("Open for write: %v", err)
	}
	want := []byte("hello, flash")
	if n, err := s.Write(h, want); err != nil || n != len(want) {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	if err := s.Close(h); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h2, err := s.Open("greeting", ModeRead)
	if err != nil {
		t.Fatalf("Open for read: %v", err)
	}
	got := make([]byte, len(want))
	n, err := s.Read(h2, got)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(want) || !bytes.Equal(got, want) {
		t.Fatalf("Read: got %q (n=%d), want %q", got, n, want)
	}
	if err := s.Close(h2); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRewriteMarksOldPageObsolete(t *testing.T) {
	s, dev := newTestStore(t, 4)

	h, err := s.Open("f", ModeWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Write(h, bytes.Repeat([]byte{0x01}, 4)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	firstPage := h.curPageAddr
	if err := s.Close(h); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h2, err := s.Open("f", ModeWrite)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	// Writing a value with a bit set that was previously cleared forces a
	// relocation, since the write can no longer be satisfied by clearing
	// bits in place.
	if _, err := s.Write(h2, bytes.Repeat([]byte{0xFE}, 4)); err != nil {
		t.Fatalf("Write incompatible payload: %v", err)
	}
	if err := s.Close(h2); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tag, err := readTag(dev, firstPage)
	if err != nil {
		t.Fatalf("readTag: %v", err)
	}
	if tag&0x01 != 0 {
		t.Fatalf("original page tag %#x: want OBSOLETE bit cleared after relocation", tag)
	}
}

func TestLargeMultiPageFile(t *testing.T) {
	s, _ := newTestStore(t, 8)

	h, err := s.Open("big", ModeWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := make([]byte, 400)
	for i := range want {
		want[i] = byte(i)
	}
	if n, err := s.Write(h, want); err != nil || n != len(want) {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	if err := s.Close(h); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h2, err := s.Open("big", ModeRead)
	if err != nil {
		t.Fatalf("Open for read: %v", err)
	}
	got := make([]byte, len(want))
	total := 0
	for total < len(got) {
		n, err := s.Read(h2, got[total:])
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n == 0 {
			t.Fatalf("Read returned 0 bytes before filling buffer (%d/%d)", total, len(got))
		}
		total += n
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("multi-page round trip mismatch")
	}
}

func TestDirLists(t *testing.T) {
	s, _ := newTestStore(t, 4)
	for _, name := range []string{"a", "b", "c"} {
		h, err := s.Open(name, ModeWrite)
		if err != nil {
			t.Fatalf("Open %q: %v", name, err)
		}
		if _, err := s.Write(h, []byte{1, 2, 3}); err != nil {
			t.Fatalf("Write %q: %v", name, err)
		}
		if err := s.Close(h); err != nil {
			t.Fatalf("Close %q: %v", name, err)
		}
	}

	seen := map[string]bool{}
	name, ok, err := s.Dir(true)
	for ; ok; name, ok, err = s.Dir(false) {
		if err != nil {
			t.Fatalf("Dir: %v", err)
		}
		seen[name] = true
	}
	if err != nil {
		t.Fatalf("Dir: %v", err)
	}
	for _, want := range []string{"a", "b", "c"} {
		if !seen[want] {
			t.Fatalf("Dir: missing %q, saw %v", want, seen)
		}
	}
}

func TestDiskFreeAndCleanSectors(t *testing.T) {
	s, _ := newTestStore(t, 4)
	before, err := s.NumCleanSectors()
	if err != nil {
		t.Fatalf("NumCleanSectors: %v", err)
	}
	if before != 4 {
		t.Fatalf("NumCleanSectors on fresh device: got %d, want 4", before)
	}

	h, err := s.Open("x", ModeWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Write(h, []byte{9}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(h); err != nil {
		t.Fatalf("Close: %v", err)
	}

	after, err := s.NumCleanSectors()
	if err != nil {
		t.Fatalf("NumCleanSectors: %v", err)
	}
	if after >= before {
		t.Fatalf("NumCleanSectors after writing a file: got %d, want fewer than %d", after, before)
	}
}

func TestSeekWalksChain(t *testing.T) {
	s, _ := newTestStore(t, 8)
	h, err := s.Open("seek", ModeWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := make([]byte, 200)
	for i := range data {
		data[i] = byte(i)
	}
	if _, err := s.Write(h, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(h); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h2, err := s.Open("seek", ModeRead)
	if err != nil {
		t.Fatalf("Open for read: %v", err)
	}
	if err := s.Seek(h2, 150); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	got := make([]byte, 10)
	if _, err := s.Read(h2, got); err != nil {
		t.Fatalf("Read after seek: %v", err)
	}
	if !bytes.Equal(got, data[150:160]) {
		t.Fatalf("Read after Seek(150): got %v, want %v", got, data[150:160])
	}
}
