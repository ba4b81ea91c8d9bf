// Package flashdev provides the block-device contract NEOFS and NEOCFS are
// built on: sector-granular erase, and writes that only clear bits (never
// set them), matching NOR-style SPI flash. It ships two concrete
// implementations — an in-memory device for tests and an image-file backed
// device for anything that needs to survive a process restart — plus the
// flashdev/hw package for talking to a real MTD character device.
package flashdev

import "golang.org/x/xerrors"

// ErrOutOfRange is returned when an access falls outside the device.
var ErrOutOfRange = xerrors.New("flashdev: access out of range")

// Device is the block device contract. Implementations need not support
// concurrent callers; the engines built on top of Device serialize access
// themselves (see neofs.Store, neocfs.Store).
type Device interface {
	// ReadAt copies len(p) bytes starting at off into p.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt performs a byte-wise bitwise AND of p into the existing
	// storage starting at off: for every i, storage[off+i] &= p[i]. This
	// models NOR write semantics, where a 0 bit can never be set back to 1
	// by a write.
	WriteAt(p []byte, off int64) (n int, err error)

	// Erase sets every byte of the given sector to 0xFF. sector is an
	// index, not a byte offset.
	Erase(sector int) error

	// SectorSize returns the fixed erase-unit size in bytes.
	SectorSize() int

	// SectorCount returns the fixed number of sectors on the device.
	SectorCount() int
}

// Size returns the total addressable byte size of d.
func Size(d Device) int64 {
	return int64(d.SectorSize()) * int64(d.SectorCount())
}

func andBytes(dst, src []byte) {
	for i := range src {
		dst[i] &= src[i]
	}
}
