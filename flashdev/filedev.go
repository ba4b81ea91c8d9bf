package flashdev

import (
	"bytes"
	"os"
	"sync"

	"github.com/golang/glog"
	"github.com/google/renameio"
	"golang.org/x/exp/mmap"
	"golang.org/x/xerrors"
)

// FileDevice is a persistent, file-backed flash image. The image is created
// atomically (via renameio) so a crash mid-format never leaves a
// half-written file behind; reads go through an mmap.ReaderAt fast path,
// writes go through ordinary pwrite with the bit-AND semantics flashdev.Device
// requires.
type FileDevice struct {
	mu         sync.Mutex
	path       string
	f          *os.File
	ro         *mmap.ReaderAt
	sectorSize int
	sectorCnt  int
}

// CreateFileDevice (re)creates a fully-erased image file at path, replacing
// any existing file there atomically, and opens it as a FileDevice.
func CreateFileDevice(path string, sectorSize, sectorCount int) (*FileDevice, error) {
	size := sectorSize * sectorCount
	t, err := renameio.TempFile("", path)
	if err != nil {
		return nil, xerrors.Errorf("flashdev: TempFile: %w", err)
	}
	defer t.Cleanup()
	blank := bytes.Repeat([]byte{0xFF}, size)
	if _, err := t.Write(blank); err != nil {
		return nil, xerrors.Errorf("flashdev: writing blank image: %w", err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return nil, xerrors.Errorf("flashdev: CloseAtomicallyReplace: %w", err)
	}
	return OpenFileDevice(path, sectorSize, sectorCount)
}

// OpenFileDevice opens an existing image file at path.
func OpenFileDevice(path string, sectorSize, sectorCount int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, xerrors.Errorf("flashdev: open: %w", err)
	}
	ro, err := mmap.Open(path)
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("flashdev: mmap: %w", err)
	}
	return &FileDevice{
		path:       path,
		f:          f,
		ro:         ro,
		sectorSize: sectorSize,
		sectorCnt:  sectorCount,
	}, nil
}

func (d *FileDevice) SectorSize() int  { return d.sectorSize }
func (d *FileDevice) SectorCount() int { return d.sectorCnt }

// Close releases the backing file and its mmap.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	roErr := d.ro.Close()
	fErr := d.f.Close()
	if roErr != nil {
		return roErr
	}
	return fErr
}

// ReadAt copies len(p) bytes starting at off, via the read-only mmap.
func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ro.ReadAt(p, off)
}

// WriteAt ANDs p into the existing bytes starting at off. Since the mmap is
// opened read-only, this reads the current bytes through the file
// descriptor rather than through the mmap, then writes the AND result back.
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(d.sectorSize*d.sectorCnt) {
		return 0, ErrOutOfRange
	}
	cur := make([]byte, len(p))
	if _, err := d.f.ReadAt(cur, off); err != nil {
		return 0, xerrors.Errorf("flashdev: read-before-write: %w", err)
	}
	andBytes(cur, p)
	n, err := d.f.WriteAt(cur, off)
	if err != nil {
		return n, xerrors.Errorf("flashdev: write: %w", err)
	}
	glog.V(2).Infof("flashdev: WriteAt off=%d len=%d", off, len(p))
	return n, nil
}

// Erase sets every byte of sector to 0xFF and flushes it to disk.
func (d *FileDevice) Erase(sector int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector < 0 || sector >= d.sectorCnt {
		return ErrOutOfRange
	}
	off := int64(sector) * int64(d.sectorSize)
	blank := bytes.Repeat([]byte{0xFF}, d.sectorSize)
	if _, err := d.f.WriteAt(blank, off); err != nil {
		return xerrors.Errorf("flashdev: erase: %w", err)
	}
	if err := d.f.Sync(); err != nil {
		return xerrors.Errorf("flashdev: sync after erase: %w", err)
	}
	glog.V(1).Infof("flashdev: erased sector %d of %s", sector, d.path)
	return nil
}
