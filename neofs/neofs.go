// Package neofs implements a random-access named-file store for NOR-style
// flash: files are chains of fixed-size pages, each page relocatable by
// forwarding address without an erase, discovered at mount by a linear scan
// of page headers.
package neofs

import (
	"sync"

	"github.com/golang/glog"
	"github.com/neoflashfs/neoflash/flashdev"
	"github.com/neoflashfs/neoflash/internal/trace"
	"github.com/neoflashfs/neoflash/tagcodec"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"
)

// MaxOpenFiles bounds how many Handles a Store will hand out at once,
// matching the fixed-size open-descriptor table in the original design.
const MaxOpenFiles = 4

// Mode selects how Open treats the named file.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

// Config describes the geometry and policy a Store enforces.
type Config struct {
	PageSize       int
	NameMax        int
	MinFreeSectors int
	GCMode         GCMode
	// GCWorkers bounds how many sectors GarbageCollect scans concurrently;
	// 1 (the default, via a zero value) scans serially.
	GCWorkers int
}

// Store owns the page allocator and open-file table for one flash region.
// A Store is safe for concurrent use; the underlying device is assumed not
// to be re-entrant, so every operation is serialized.
type Store struct {
	mu  sync.Mutex
	dev flashdev.Device
	cfg Config
	sem *semaphore.Weighted

	dirIndex int // static iterator index used by Dir(false)
}

// New returns a Store over dev using cfg. PageSize and NameMax must be set;
// MinFreeSectors and GCWorkers default to 1 when zero.
func New(dev flashdev.Device, cfg Config) *Store {
	if cfg.MinFreeSectors == 0 {
		cfg.MinFreeSectors = 1
	}
	if cfg.GCWorkers == 0 {
		cfg.GCWorkers = 1
	}
	return &Store{
		dev: dev,
		cfg: cfg,
		sem: semaphore.NewWeighted(MaxOpenFiles),
	}
}

// Handle is an open file. Its cache fields mirror the write-through window
// the original keeps per descriptor: [cacheStart, cacheEnd) is the byte
// range of curPageAddr's payload currently buffered in cacheBuf.
type Handle struct {
	mode Mode
	name string

	headerAddr  uint32
	curPageAddr uint32
	curSector   int
	pos         uint32 // logical offset from start of file payload

	cacheStart uint32
	cacheEnd   uint32
	cacheBuf   []byte
	cacheDirty bool
}

// Name returns the handle's file name.
func (h *Handle) Name() string { return h.name }

func (s *Store) sectorSize() int  { return s.dev.SectorSize() }
func (s *Store) sectorCount() int { return s.dev.SectorCount() }
func (s *Store) payloadSize() int { return s.cfg.PageSize - pageHeaderSize }

// Format erases the entire device.
func (s *Store) Format() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := trace.Event("neofs.Format", 0)
	defer ev.Done()
	for i := 0; i < s.sectorCount(); i++ {
		if err := s.dev.Erase(i); err != nil {
			return xerrors.Errorf("neofs: format sector %d: %w", i, err)
		}
	}
	return nil
}

// findHeaderByName linearly scans every page in the device for a header
// page (tag & 0xF0 == header type) whose stored name matches.
func (s *Store) findHeaderByName(name string) (uint32, bool, error) {
	pageSize := uint32(s.cfg.PageSize)
	total := uint32(s.sectorCount() * s.sectorSize())
	for addr := uint32(0); addr < total; addr += pageSize {
		h, err := readPageHeader(s.dev, addr)
		if err != nil {
			return 0, false, err
		}
		if !isPageType(h.Tag, tagcodec.HeaderPageType) {
			continue
		}
		nameBuf := make([]byte, s.cfg.NameMax)
		if _, err := s.dev.ReadAt(nameBuf, int64(addr)+pageHeaderSize); err != nil {
			return 0, false, xerrors.Errorf("neofs: read name at %#x: %w", addr, err)
		}
		if cName(nameBuf) == name {
			return addr, true, nil
		}
	}
	return 0, false, nil
}

func cName(buf []byte) string {
	for i, b := range buf {
		if b == 0 || b == tagcodec.Erased {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// Open opens name in the given mode, creating it (via two freshly allocated
// pages: a header page and its first data page) if it does not exist and
// mode is ModeWrite. Open fails with ErrTooManyOpen past MaxOpenFiles
// concurrently open handles.
func (s *Store) Open(name string, mode Mode) (*Handle, error) {
	if len(name) == 0 || len(name) > s.cfg.NameMax {
		return nil, xerrors.Errorf("neofs: Open %q: %w", name, ErrInvalidArgument)
	}
	if !s.sem.TryAcquire(1) {
		return nil, ErrTooManyOpen
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ev := trace.Event("neofs.Open", 0)
	defer ev.Done()

	headerAddr, ok, err := s.findHeaderByName(name)
	if err != nil {
		s.sem.Release(1)
		return nil, err
	}
	if !ok {
		if mode != ModeWrite {
			s.sem.Release(1)
			return nil, xerrors.Errorf("neofs: Open %q: %w", name, ErrNotFound)
		}
		headerAddr, err = s.createFile(name)
		if err != nil {
			s.sem.Release(1)
			return nil, err
		}
	}

	h := &Handle{mode: mode, name: name, headerAddr: headerAddr}
	headerHdr, err := readPageHeader(s.dev, headerAddr)
	if err != nil {
		s.sem.Release(1)
		return nil, err
	}
	dataAddr, dataHdr, err := s.resolveForwarding(headerHdr.NextPageAddr)
	if err != nil {
		s.sem.Release(1)
		return nil, err
	}
	h.curPageAddr = dataAddr
	h.curSector = int(dataAddr) / s.sectorSize()
	if err := s.loadCache(h, dataHdr); err != nil {
		s.sem.Release(1)
		return nil, err
	}
	glog.V(1).Infof("neofs: opened %q at %#x", name, headerAddr)
	return h, nil
}

func (s *Store) createFile(name string) (uint32, error) {
	curSector := 0
	headerAddr, err := findFreePage(s.dev, s.sectorSize(), s.sectorCount(), s.cfg.PageSize, s.cfg.MinFreeSectors, s.cfg.GCMode, s.cfg.GCWorkers, &curSector)
	if err != nil {
		return 0, xerrors.Errorf("neofs: create %q: %w", name, err)
	}

	// The header page's USED tag must be written before its payload (the
	// filename) and before it is linked to its data page, so an interrupted
	// write never leaves a page with payload but no USED tag to recover from.
	// Writing it before the data page is allocated also keeps findFreePage
	// from handing out the header page a second time.
	if err := writeTag(s.dev, headerAddr, tagcodec.HeaderPageTypeMask&tagcodec.NEOFSUsedMask); err != nil {
		return 0, err
	}
	dataAddr, err := findFreePage(s.dev, s.sectorSize(), s.sectorCount(), s.cfg.PageSize, s.cfg.MinFreeSectors, s.cfg.GCMode, s.cfg.GCWorkers, &curSector)
	if err != nil {
		return 0, xerrors.Errorf("neofs: create %q: %w", name, err)
	}
	nameBuf := make([]byte, s.cfg.NameMax)
	copy(nameBuf, name)
	if _, err := s.dev.WriteAt(nameBuf, int64(headerAddr)+pageHeaderSize); err != nil {
		return 0, xerrors.Errorf("neofs: create %q: write name: %w", name, err)
	}
	if err := writeNextPageAddr(s.dev, headerAddr, dataAddr); err != nil {
		return 0, err
	}
	if err := writeTag(s.dev, dataAddr, tagcodec.DataPageTypeMask&tagcodec.NEOFSUsedMask); err != nil {
		return 0, err
	}
	return headerAddr, nil
}

// Close flushes any dirty cache, writes the EOF tag on the final page, and
// releases the handle's slot.
func (s *Store) Close(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.sem.Release(1)

	if h.mode == ModeWrite {
		if err := s.flushCache(h, true); err != nil {
			return err
		}
		tag, err := readTag(s.dev, h.curPageAddr)
		if err != nil {
			return err
		}
		if err := writeTag(s.dev, h.curPageAddr, tag&tagcodec.NEOFSEOFMask); err != nil {
			return err
		}
	}
	glog.V(1).Infof("neofs: closed %q", h.name)
	return nil
}

// Read fills buf from the current position, advancing it, stopping at
// EOF and chain exhaustion.
func (s *Store) Read(h *Handle, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for n < len(buf) {
		if h.pos >= h.cacheEnd {
			more, err := s.advanceCache(h)
			if err != nil {
				return n, err
			}
			if !more {
				break
			}
		}
		off := h.pos - h.cacheStart
		c := copy(buf[n:], h.cacheBuf[off:])
		h.pos += uint32(c)
		n += c
	}
	return n, nil
}

// Write writes buf at the current position, advancing it and allocating
// new pages as needed.
func (s *Store) Write(h *Handle, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for n < len(buf) {
		if h.pos >= h.cacheStart+uint32(len(h.cacheBuf)) {
			if err := s.advanceCacheForWrite(h); err != nil {
				return n, err
			}
		}
		off := h.pos - h.cacheStart
		c := copy(h.cacheBuf[off:], buf[n:])
		h.pos += uint32(c)
		if off+uint32(c) > h.cacheEnd-h.cacheStart {
			h.cacheEnd = h.cacheStart + off + uint32(c)
		}
		h.cacheDirty = true
		n += c
	}
	return n, nil
}

// Seek repositions the handle to an absolute byte offset from the start of
// the file's payload. The original's arithmetic here is broken (it adds an
// offset delta to the current page address using stale bookkeeping instead
// of re-walking the chain); this implementation always walks the chain from
// the header, summing page sizes, which is slower but correct for both
// forward and backward seeks.
func (s *Store) Seek(h *Handle, offset uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.flushCache(h, false); err != nil {
		return err
	}

	headerHdr, err := readPageHeader(s.dev, h.headerAddr)
	if err != nil {
		return err
	}
	addr, hdr, err := s.resolveForwarding(headerHdr.NextPageAddr)
	if err != nil {
		return err
	}
	var remaining = offset
	for {
		payload := s.payloadSize()
		if int(remaining) < payload || hdr.NextPageAddr == NoAddr {
			h.curPageAddr = addr
			h.curSector = int(addr) / s.sectorSize()
			if err := s.loadCacheAt(h, hdr, offset-remaining); err != nil {
				return err
			}
			h.pos = offset
			return nil
		}
		remaining -= uint32(payload)
		addr, hdr, err = s.resolveForwarding(hdr.NextPageAddr)
		if err != nil {
			return err
		}
	}
}

// resolveForwarding chases this_page_fwd_addr from addr until it reaches a
// page without a forwarding address, returning that page's live address
// and header.
func (s *Store) resolveForwarding(addr uint32) (uint32, pageHeader, error) {
	for {
		hdr, err := readPageHeader(s.dev, addr)
		if err != nil {
			return 0, pageHeader{}, err
		}
		if hdr.ThisPageFwdAddr == NoAddr {
			return addr, hdr, nil
		}
		addr = hdr.ThisPageFwdAddr
	}
}

// Dir returns the name of the next file found by a header-page scan. Pass
// first=true to restart the scan from the beginning; it returns ("", false,
// nil) once the scan is exhausted, mirroring the stateful static-index
// iterator in the original.
func (s *Store) Dir(first bool) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if first {
		s.dirIndex = 0
	}
	pageSize := uint32(s.cfg.PageSize)
	total := s.sectorCount() * s.sectorSize()
	for addr := uint32(s.dirIndex) * pageSize; int(addr) < total; addr += pageSize {
		h, err := readPageHeader(s.dev, addr)
		if err != nil {
			return "", false, err
		}
		s.dirIndex = int(addr/pageSize) + 1
		if !isPageType(h.Tag, tagcodec.HeaderPageType) {
			continue
		}
		nameBuf := make([]byte, s.cfg.NameMax)
		if _, err := s.dev.ReadAt(nameBuf, int64(addr)+pageHeaderSize); err != nil {
			return "", false, err
		}
		return cName(nameBuf), true, nil
	}
	return "", false, nil
}

// DiskFree counts pages across the whole device that are either fully
// erased or have their Obsolete bit cleared.
func (s *Store) DiskFree() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countErasedOrObsoletePages()
}

// NumErasedPages is identical to DiskFree in the original design: both
// count the same predicate over the same page range.
func (s *Store) NumErasedPages() (int, error) {
	return s.DiskFree()
}

func (s *Store) countErasedOrObsoletePages() (int, error) {
	pageSize := uint32(s.cfg.PageSize)
	total := uint32(s.sectorCount() * s.sectorSize())
	count := 0
	for addr := uint32(0); addr < total; addr += pageSize {
		tag, err := readTag(s.dev, addr)
		if err != nil {
			return 0, err
		}
		if tag == tagcodec.Erased || tag&tagcodec.NEOFSObsoleteBit == 0 {
			count++
		}
	}
	return count, nil
}

// NumCleanSectors counts sectors whose every page is still fully erased.
func (s *Store) NumCleanSectors() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pagesPerSector := s.sectorSize() / s.cfg.PageSize
	count := 0
	for sec := 0; sec < s.sectorCount(); sec++ {
		clean := true
		for j := 0; j < pagesPerSector; j++ {
			addr := uint32(sec*s.sectorSize() + j*s.cfg.PageSize)
			tag, err := readTag(s.dev, addr)
			if err != nil {
				return 0, err
			}
			if tag != tagcodec.Erased {
				clean = false
				break
			}
		}
		if clean {
			count++
		}
	}
	return count, nil
}

// NumReclaimableSectors counts sectors whose every page is either fully
// erased or has its Obsolete bit cleared: the set GarbageCollect would be
// able to reclaim right now.
func (s *Store) NumReclaimableSectors() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pagesPerSector := s.sectorSize() / s.cfg.PageSize
	count := 0
	for sec := 0; sec < s.sectorCount(); sec++ {
		n, err := countReclaimablePages(s.dev, s.sectorSize(), s.cfg.PageSize, sec)
		if err != nil {
			return 0, err
		}
		if n == pagesPerSector {
			count++
		}
	}
	return count, nil
}

// GarbageCollect reclaims obsolete sectors per the Store's configured mode.
func (s *Store) GarbageCollect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := trace.Event("neofs.GarbageCollect", 0)
	defer ev.Done()
	_, err := garbageCollect(s.dev, s.sectorSize(), s.sectorCount(), s.cfg.PageSize, s.cfg.GCMode, s.cfg.GCWorkers)
	return err
}
