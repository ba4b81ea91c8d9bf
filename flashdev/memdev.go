package flashdev

import (
	"bytes"
	"sync"

	"github.com/golang/glog"
	"github.com/orcaman/writerseeker"
	"golang.org/x/xerrors"
)

// MemDevice is an in-process simulated flash device, used by the test
// suites and by flashfsctl's -mem mode. It is backed by a writerseeker.WriterSeeker
// pre-filled with 0xFF, the same reset value a real sector erase produces.
type MemDevice struct {
	mu         sync.Mutex
	ws         *writerseeker.WriterSeeker
	sectorSize int
	sectorCnt  int
}

// NewMemDevice returns a MemDevice of sectorCount sectors, each sectorSize
// bytes, entirely erased (all bytes 0xFF).
func NewMemDevice(sectorSize, sectorCount int) *MemDevice {
	d := &MemDevice{
		ws:         &writerseeker.WriterSeeker{},
		sectorSize: sectorSize,
		sectorCnt:  sectorCount,
	}
	blank := bytes.Repeat([]byte{0xFF}, sectorSize*sectorCount)
	if _, err := d.ws.Write(blank); err != nil {
		// writerseeker.WriterSeeker.Write only fails if the underlying
		// bytes.Buffer cannot grow, which does not happen for in-memory use.
		glog.Fatalf("flashdev: initializing MemDevice: %v", err)
	}
	return d
}

func (d *MemDevice) SectorSize() int  { return d.sectorSize }
func (d *MemDevice) SectorCount() int { return d.sectorCnt }

func (d *MemDevice) snapshot() (*bytes.Reader, error) {
	return d.ws.BytesReader()
}

// ReadAt copies len(p) bytes starting at off.
func (d *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.snapshot()
	if err != nil {
		return 0, xerrors.Errorf("flashdev: snapshot: %w", err)
	}
	return r.ReadAt(p, off)
}

// WriteAt ANDs p into the existing bytes starting at off.
func (d *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(d.sectorSize*d.sectorCnt) {
		return 0, ErrOutOfRange
	}
	r, err := d.snapshot()
	if err != nil {
		return 0, xerrors.Errorf("flashdev: snapshot: %w", err)
	}
	cur := make([]byte, len(p))
	if _, err := r.ReadAt(cur, off); err != nil {
		return 0, xerrors.Errorf("flashdev: read-before-write: %w", err)
	}
	andBytes(cur, p)
	if _, err := d.ws.Seek(off, 0); err != nil {
		return 0, xerrors.Errorf("flashdev: seek: %w", err)
	}
	n, err := d.ws.Write(cur)
	if err != nil {
		return n, xerrors.Errorf("flashdev: write: %w", err)
	}
	glog.V(2).Infof("flashdev: WriteAt off=%d len=%d", off, len(p))
	return n, nil
}

// Erase sets every byte of sector to 0xFF.
func (d *MemDevice) Erase(sector int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector < 0 || sector >= d.sectorCnt {
		return ErrOutOfRange
	}
	off := int64(sector) * int64(d.sectorSize)
	if _, err := d.ws.Seek(off, 0); err != nil {
		return xerrors.Errorf("flashdev: seek: %w", err)
	}
	blank := bytes.Repeat([]byte{0xFF}, d.sectorSize)
	if _, err := d.ws.Write(blank); err != nil {
		return xerrors.Errorf("flashdev: erase: %w", err)
	}
	glog.V(1).Infof("flashdev: erased sector %d", sector)
	return nil
}
