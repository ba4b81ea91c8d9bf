// Package neocfs implements a fixed-record circular log file system for
// NOR-style flash: each declared file has a fixed record size, a start and
// end address, and wraps as records are produced at a head and consumed at
// a tail.
package neocfs

import (
	"sync"

	"github.com/golang/glog"
	"github.com/neoflashfs/neoflash/flashdev"
	"github.com/neoflashfs/neoflash/internal/registry"
	"github.com/neoflashfs/neoflash/internal/trace"
	"github.com/neoflashfs/neoflash/tagcodec"
	"golang.org/x/xerrors"
)

// Store owns the set of declared circular files and the device they live
// on. A Store is safe for concurrent use; operations are serialized
// internally, since the underlying device is not re-entrant.
type Store struct {
	mu          sync.Mutex
	dev         flashdev.Device
	descriptors []registry.FileDescriptor
	byName      map[string]registry.FileDescriptor
	initialized bool
}

// Handle is an open circular file. It carries the head/tail/read-cursor
// state that the original source keeps in the static file descriptor; here
// it lives only for the lifetime of the Handle, discarded on Close and
// rediscovered on every OpenByName/OpenByDescriptor.
type Handle struct {
	desc     registry.FileDescriptor
	tail     uint32
	head     uint32
	readPos  uint32
}

// Name returns the handle's declared file name.
func (h *Handle) Name() string { return h.desc.Name }

// New returns an uninitialized Store over dev for the given file
// declarations. Call Init before any other method.
func New(dev flashdev.Device, descriptors []registry.FileDescriptor) *Store {
	byName := make(map[string]registry.FileDescriptor, len(descriptors))
	for _, d := range descriptors {
		byName[d.Name] = d
	}
	return &Store{
		dev:         dev,
		descriptors: descriptors,
		byName:      byName,
	}
}

// Init validates every declared file's R+2 is a power of two. If any file
// fails validation the store remains uninitialized and every other method
// returns ErrNotInitialized.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fd := range s.descriptors {
		if !isPowerOfTwo(fd.SlotSize()) {
			glog.Errorf("neocfs: %s: record size+2 (%d) is not a power of two", fd.Name, fd.SlotSize())
			s.initialized = false
			return xerrors.Errorf("neocfs: %s: %w", fd.Name, ErrInvalidArgument)
		}
	}
	s.initialized = true
	return nil
}

func isPowerOfTwo(x uint32) bool {
	for x%2 == 0 && x > 1 {
		x /= 2
	}
	return x == 1
}

func (s *Store) checkInitialized() error {
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Dir returns the declared file names, in declaration order.
func (s *Store) Dir() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInitialized(); err != nil {
		return nil, err
	}
	names := make([]string, len(s.descriptors))
	for i, d := range s.descriptors {
		names[i] = d.Name
	}
	return names, nil
}

// Format erases every sector spanned by any declared file's region.
func (s *Store) Format() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInitialized(); err != nil {
		return err
	}
	ev := trace.Event("neocfs.Format", 0)
	defer ev.Done()

	sectorSize := uint32(s.dev.SectorSize())
	erased := make(map[uint32]bool)
	for _, fd := range s.descriptors {
		for addr := fd.StartAddr; addr < fd.EndAddr; addr += sectorSize {
			sector := addr / sectorSize
			if erased[sector] {
				continue
			}
			if err := s.dev.Erase(int(sector)); err != nil {
				return xerrors.Errorf("neocfs: format: %w", err)
			}
			erased[sector] = true
		}
	}
	return nil
}

// OpenByName looks up a declared file by name and opens it, rediscovering
// its head and tail.
func (s *Store) OpenByName(name string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInitialized(); err != nil {
		return nil, err
	}
	fd, ok := s.byName[name]
	if !ok {
		return nil, xerrors.Errorf("neocfs: %s: %w", name, ErrNotFound)
	}
	h := &Handle{desc: fd}
	if err := s.openByDescriptorLocked(h); err != nil {
		return nil, err
	}
	return h, nil
}

// OpenByDescriptor rediscovers h's head and tail. It is useful after a
// Close, or to re-sync a handle whose cached cursors may be stale.
func (s *Store) OpenByDescriptor(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInitialized(); err != nil {
		return err
	}
	return s.openByDescriptorLocked(h)
}

func (s *Store) openByDescriptorLocked(h *Handle) error {
	glog.V(1).Infof("neocfs: opening %s", h.desc.Name)
	tail, err := findTail(s.dev, h.desc)
	if err != nil {
		return xerrors.Errorf("neocfs: OpenByDescriptor %s: %w", h.desc.Name, err)
	}
	head, err := findHead(s.dev, h.desc, tail)
	if err != nil {
		return xerrors.Errorf("neocfs: OpenByDescriptor %s: %w", h.desc.Name, err)
	}
	h.tail = tail
	h.head = head
	h.readPos = tail
	glog.V(1).Infof("neocfs: %s tail=%#x head=%#x", h.desc.Name, tail, head)
	return nil
}

// Close discards h's cursor state. The next OpenByName/OpenByDescriptor
// rediscovers head and tail from flash.
func (s *Store) Close(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h.tail, h.head, h.readPos = 0, 0, 0
	return nil
}

// WriteRecord appends data (which must be exactly the file's declared
// record size) at the head, garbage collecting first if the head slot is
// not free.
func (s *Store) WriteRecord(h *Handle, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInitialized(); err != nil {
		return err
	}
	if uint32(len(data)) != h.desc.RecordSize {
		return xerrors.Errorf("neocfs: WriteRecord %s: payload length %d != record size %d: %w",
			h.desc.Name, len(data), h.desc.RecordSize, ErrInvalidArgument)
	}
	ev := trace.Event("neocfs.WriteRecord", 0)
	defer ev.Done()

	startTag, err := readByte(s.dev, h.head)
	if err != nil {
		return err
	}
	if startTag != tagcodec.Erased {
		if err := garbageCollect(s.dev, h.desc, h.head); err != nil {
			return err
		}
	}

	// The overwrite-oldest flag means the head is allowed to catch up to
	// and consume the tail; only files without it need the two-sector
	// head/tail separation enforced below.
	if h.desc.Flags&registry.FlagOverwriteOldest == 0 {
		sectorSize := uint32(s.dev.SectorSize())
		headBase := ((h.head - h.desc.StartAddr) / sectorSize) * sectorSize
		tailBase := ((h.tail - h.desc.StartAddr) / sectorSize) * sectorSize
		if (headBase+2*sectorSize)%h.desc.RingLen() == tailBase {
			return xerrors.Errorf("neocfs: WriteRecord %s: %w", h.desc.Name, ErrNoSpace)
		}
	}

	if err := writeByte(s.dev, h.head, tagcodec.NEOCFSWriteStartedMask); err != nil {
		return err
	}
	if _, err := s.dev.WriteAt(data, int64(h.head+1)); err != nil {
		return xerrors.Errorf("neocfs: WriteRecord %s: payload: %w", h.desc.Name, err)
	}
	if err := writeByte(s.dev, endTagAddr(h.desc, h.head), tagcodec.NEOCFSWriteDoneMask); err != nil {
		return err
	}

	h.head = nextSlotAddr(h.desc, h.head)
	return nil
}

// ReadRecord reads the record at the read cursor into buf, which must be
// exactly the file's declared record size.
func (s *Store) ReadRecord(h *Handle, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInitialized(); err != nil {
		return err
	}
	if uint32(len(buf)) != h.desc.RecordSize {
		return xerrors.Errorf("neocfs: ReadRecord %s: buffer length %d != record size %d: %w",
			h.desc.Name, len(buf), h.desc.RecordSize, ErrInvalidArgument)
	}
	tag, err := readByte(s.dev, h.readPos)
	if err != nil {
		return err
	}
	if tag == tagcodec.Erased {
		return xerrors.Errorf("neocfs: ReadRecord %s: %w", h.desc.Name, ErrLogEmpty)
	}
	if _, err := s.dev.ReadAt(buf, int64(h.readPos+1)); err != nil {
		return xerrors.Errorf("neocfs: ReadRecord %s: %w", h.desc.Name, err)
	}
	return nil
}

// NextRecord advances the read cursor by one slot, wrapping at the end of
// the ring.
func (s *Store) NextRecord(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInitialized(); err != nil {
		return err
	}
	h.readPos = nextSlotAddr(h.desc, h.readPos)
	return nil
}

// MarkObsolete marks the slot at the read cursor obsolete, but only if the
// cursor currently equals the tail — only the oldest live record may be
// retired — and advances the tail by one slot.
func (s *Store) MarkObsolete(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInitialized(); err != nil {
		return err
	}
	if h.readPos != h.tail {
		return nil
	}
	startTag, err := readByte(s.dev, h.tail)
	if err != nil {
		return err
	}
	if err := writeByte(s.dev, h.tail, startTag&tagcodec.NEOCFSObsoleteMask); err != nil {
		return err
	}
	endAddr := endTagAddr(h.desc, h.tail)
	endTag, err := readByte(s.dev, endAddr)
	if err != nil {
		return err
	}
	if err := writeByte(s.dev, endAddr, endTag&tagcodec.NEOCFSObsoleteMask); err != nil {
		return err
	}
	h.tail = nextSlotAddr(h.desc, h.tail)
	return nil
}

// SeekFromTail moves the read cursor to the slot slots positions after the
// current tail.
func (s *Store) SeekFromTail(h *Handle, slots uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInitialized(); err != nil {
		return err
	}
	addr := h.tail
	for ; slots != 0; slots-- {
		addr = nextSlotAddr(h.desc, addr)
	}
	h.readPos = addr
	return nil
}
