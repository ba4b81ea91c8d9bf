package neocfs

import (
	"github.com/neoflashfs/neoflash/flashdev"
	"github.com/neoflashfs/neoflash/internal/registry"
	"github.com/neoflashfs/neoflash/tagcodec"
	"golang.org/x/xerrors"
)

// garbageCollect reclaims one sector of fd's region so a write can proceed.
//
// The original source tests `j & NEOCFS_FILE_FLAGS_OVERWRITE_OLDEST` where j
// is a byte address, which is wrong: that expression tests a bit of the
// address, not the file's flags, so whether a file overwrites its oldest
// record ends up depending on the low bits of wherever the head happened to
// land. This implementation follows the evident intent and tests the file
// descriptor's Flags field instead.
func garbageCollect(dev flashdev.Device, fd registry.FileDescriptor, head uint32) error {
	if fd.Flags&registry.FlagOverwriteOldest != 0 {
		sectorSize := uint32(dev.SectorSize())
		sector := head / sectorSize
		if err := dev.Erase(int(sector)); err != nil {
			return xerrors.Errorf("neocfs: overwrite-oldest erase: %w", err)
		}
		return nil
	}

	ok, err := reclaimSector(dev, fd)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Errorf("neocfs: %s: %w", fd.Name, ErrNoSpace)
	}
	return nil
}

// reclaimSector scans fd's region sector by sector and erases the first one
// whose slots are all either unwritten or obsolete. A slot counts as
// reclaimable if its end tag is still fully erased (never written) or has
// the OBSOLETE bit cleared, the same erased-or-obsolete disjunct neofs uses
// to decide whether a page is reclaimable.
func reclaimSector(dev flashdev.Device, fd registry.FileDescriptor) (bool, error) {
	sectorSize := uint32(dev.SectorSize())
	slot := fd.SlotSize()

	for addr := fd.StartAddr; addr < fd.EndAddr; {
		sector := addr / sectorSize
		sectorEnd := (sector + 1) * sectorSize
		if sectorEnd > fd.EndAddr {
			sectorEnd = fd.EndAddr
		}

		reclaimable := true
		for a := addr; a < sectorEnd; a += slot {
			tag, err := readByte(dev, endTagAddr(fd, a))
			if err != nil {
				return false, err
			}
			if tag != tagcodec.Erased && tag&tagcodec.NEOCFSObsoleteBit != 0 {
				reclaimable = false
				break
			}
		}
		if reclaimable {
			if err := dev.Erase(int(sector)); err != nil {
				return false, xerrors.Errorf("neocfs: reclaim erase: %w", err)
			}
			return true, nil
		}
		addr = sectorEnd
	}
	return false, nil
}
