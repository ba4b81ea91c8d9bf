package neocfs

import (
	"github.com/neoflashfs/neoflash/flashdev"
	"github.com/neoflashfs/neoflash/internal/registry"
	"github.com/neoflashfs/neoflash/tagcodec"
	"golang.org/x/xerrors"
)

// nextSlotAddr advances addr by one slot, wrapping to fd.StartAddr at
// fd.EndAddr.
func nextSlotAddr(fd registry.FileDescriptor, addr uint32) uint32 {
	next := addr + fd.SlotSize()
	if next >= fd.EndAddr {
		next = fd.StartAddr
	}
	return next
}

func readByte(dev flashdev.Device, addr uint32) (byte, error) {
	var b [1]byte
	if _, err := dev.ReadAt(b[:], int64(addr)); err != nil {
		return 0, xerrors.Errorf("neocfs: read at %d: %w", addr, err)
	}
	return b[0], nil
}

func writeByte(dev flashdev.Device, addr uint32, b byte) error {
	if _, err := dev.WriteAt([]byte{b}, int64(addr)); err != nil {
		return xerrors.Errorf("neocfs: write at %d: %w", addr, err)
	}
	return nil
}

func endTagAddr(fd registry.FileDescriptor, slotStart uint32) uint32 {
	return slotStart + 1 + fd.RecordSize
}

// ringSlotCount returns the number of slots that fit in the file's region,
// plus one — the walk bound used throughout findTail/findHead, matching the
// original source's "(end-start)/(R+2) + 1" bound, which covers one full
// sweep plus the boundary slot.
func ringSlotCount(fd registry.FileDescriptor) uint32 {
	return fd.RingLen()/fd.SlotSize() + 1
}

// findTail recovers the tail (oldest live record) by scanning for the
// boundary between the free gap and written data, then walking forward
// until a non-obsolete record is found. If every record found is obsolete,
// the file's region is reformatted and the tail is the start address. If
// the whole ring is still erased, the tail is the start address too.
func findTail(dev flashdev.Device, fd registry.FileDescriptor) (uint32, error) {
	n := ringSlotCount(fd)
	i := fd.StartAddr
	allFF := true

	for ; n > 0; n-- {
		t1, err := readByte(dev, i)
		if err != nil {
			return 0, err
		}
		j := nextSlotAddr(fd, i)
		t2, err := readByte(dev, j)
		if err != nil {
			return 0, err
		}

		if t1 != tagcodec.Erased {
			allFF = false
		}
		if t1 == tagcodec.Erased && t2 != tagcodec.Erased {
			allFF = false

			m := ringSlotCount(fd)
			for m > 0 {
				tag, err := readByte(dev, j)
				if err != nil {
					return 0, err
				}
				if tag&tagcodec.NEOCFSObsoleteBit != 0 {
					return j, nil
				}
				m--
				j = nextSlotAddr(fd, j)
			}
			// every slot reachable from the boundary is obsolete: the file
			// carries no live data, so reclaim the whole region.
			if err := formatFileRegion(dev, fd); err != nil {
				return 0, err
			}
			return fd.StartAddr, nil
		}
		i = nextSlotAddr(fd, i)
	}

	if allFF {
		return fd.StartAddr, nil
	}
	return 0, xerrors.Errorf("neocfs: %s: %w", fd.Name, ErrCorrupt)
}

// findHead recovers the head (next slot to write) by walking forward from
// tail looking for the first unwritten (0xFF) start tag.
func findHead(dev flashdev.Device, fd registry.FileDescriptor, tail uint32) (uint32, error) {
	i := tail
	m := ringSlotCount(fd)
	for m > 0 {
		t, err := readByte(dev, i)
		if err != nil {
			return 0, err
		}
		if t == tagcodec.Erased {
			return i, nil
		}
		m--
		i = nextSlotAddr(fd, i)
	}
	return 0, xerrors.Errorf("neocfs: %s: %w", fd.Name, ErrCorrupt)
}

func formatFileRegion(dev flashdev.Device, fd registry.FileDescriptor) error {
	sectorSize := uint32(dev.SectorSize())
	for addr := fd.StartAddr; addr < fd.EndAddr; addr += sectorSize {
		if err := dev.Erase(int(addr / sectorSize)); err != nil {
			return xerrors.Errorf("neocfs: formatting %s: %w", fd.Name, err)
		}
	}
	return nil
}
