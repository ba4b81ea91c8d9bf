package flashdev

import (
	"path/filepath"
	"testing"
)

func TestFileDeviceCreateOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")

	d, err := CreateFileDevice(path, 64, 4)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	if _, err := d.WriteAt([]byte{0x0F, 0xF0}, 10); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d2, err := OpenFileDevice(path, 64, 4)
	if err != nil {
		t.Fatalf("OpenFileDevice: %v", err)
	}
	defer d2.Close()

	got := make([]byte, 2)
	if _, err := d2.ReadAt(got, 10); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if got[0] != 0x0F || got[1] != 0xF0 {
		t.Fatalf("ReadAt after reopen: got %v, want [0x0f 0xf0]", got)
	}
}

func TestFileDeviceCreateReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	d, err := CreateFileDevice(path, 32, 2)
	if err != nil {
		t.Fatalf("first CreateFileDevice: %v", err)
	}
	if _, err := d.WriteAt([]byte{0x00}, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	d.Close()

	// CreateFileDevice always (re)writes a fully-erased image at path, via
	// renameio's atomic replace, whether or not a file was already there.
	d2, err := CreateFileDevice(path, 32, 2)
	if err != nil {
		t.Fatalf("second CreateFileDevice: %v", err)
	}
	defer d2.Close()
	got := make([]byte, 1)
	if _, err := d2.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if got[0] != 0xFF {
		t.Fatalf("byte 0 after replace: got %#x, want 0xFF (fresh image)", got[0])
	}
}
