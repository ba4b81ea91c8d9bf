package hw

import (
	"os"
	"sync"
	"unsafe"

	"github.com/neoflashfs/neoflash/flashdev"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// eraseInfo mirrors struct erase_info_user from <mtd/mtd-abi.h>: the
// MEMERASE ioctl argument, an erase offset and length in bytes.
type eraseInfo struct {
	Start  uint32
	Length uint32
}

const memErase = 0x40084d02 // _IOW('M', 2, struct erase_info_user)

// MTDDevice implements flashdev.Device against a real Linux MTD character
// device node (e.g. /dev/mtd0), once WaitForDevice has confirmed it exists.
// Erase issues the kernel MEMERASE ioctl instead of simulating it, since a
// real NOR chip's erase is what actually clears every bit in a sector.
type MTDDevice struct {
	mu         sync.Mutex
	f          *os.File
	sectorSize int
	sectorCnt  int
}

// OpenMTDDevice opens path (a device node, not a regular file) for
// read/write and wraps it as a flashdev.Device of the given geometry.
func OpenMTDDevice(path string, sectorSize, sectorCount int) (*MTDDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, xerrors.Errorf("hw: open %s: %w", path, err)
	}
	return &MTDDevice{f: f, sectorSize: sectorSize, sectorCnt: sectorCount}, nil
}

func (d *MTDDevice) SectorSize() int  { return d.sectorSize }
func (d *MTDDevice) SectorCount() int { return d.sectorCnt }

// Close releases the underlying device node.
func (d *MTDDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

func (d *MTDDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(d.sectorSize*d.sectorCnt) {
		return 0, flashdev.ErrOutOfRange
	}
	return d.f.ReadAt(p, off)
}

// WriteAt ANDs p into the chip's existing bytes, matching flashdev.Device's
// NOR semantics: it reads the current bytes first, then writes the AND
// result, since the MTD char device itself performs a plain pwrite (the bit
// clear-only behavior comes from the chip, not the driver).
func (d *MTDDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(d.sectorSize*d.sectorCnt) {
		return 0, flashdev.ErrOutOfRange
	}
	cur := make([]byte, len(p))
	if _, err := d.f.ReadAt(cur, off); err != nil {
		return 0, xerrors.Errorf("hw: read-before-write: %w", err)
	}
	for i := range p {
		cur[i] &= p[i]
	}
	n, err := d.f.WriteAt(cur, off)
	if err != nil {
		return n, xerrors.Errorf("hw: write: %w", err)
	}
	return n, nil
}

// Erase issues MEMERASE for the given sector.
func (d *MTDDevice) Erase(sector int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector < 0 || sector >= d.sectorCnt {
		return flashdev.ErrOutOfRange
	}
	info := eraseInfo{
		Start:  uint32(sector) * uint32(d.sectorSize),
		Length: uint32(d.sectorSize),
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), memErase, uintptr(unsafe.Pointer(&info)))
	if errno != 0 {
		return xerrors.Errorf("hw: MEMERASE sector %d: %w", sector, errno)
	}
	return nil
}
