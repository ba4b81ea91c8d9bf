package neofs

import (
	"github.com/neoflashfs/neoflash/flashdev"
	"github.com/neoflashfs/neoflash/tagcodec"
)

// findFreeSector returns the index of an erased sector: scanning from
// sector 0, it counts sectors whose first byte reads fully erased (not
// necessarily consecutive ones), and returns the current sector as soon as
// that count exceeds minFreeSectors. If the whole device never reaches that
// threshold it falls back to garbage collection.
func findFreeSector(dev flashdev.Device, sectorSize, sectorCount, pageSize, minFreeSectors int, gcMode GCMode, gcWorkers int) (int, error) {
	count := 0
	for i := 0; i < sectorCount; i++ {
		tag, err := readTag(dev, uint32(i*sectorSize))
		if err != nil {
			return 0, err
		}
		if tag == tagcodec.Erased {
			count++
			if count > minFreeSectors {
				return i, nil
			}
		}
	}
	return garbageCollect(dev, sectorSize, sectorCount, pageSize, gcMode, gcWorkers)
}

// findFreePage scans pages in *curSector for one whose tag is still fully
// erased. If the current sector has none left it asks findFreeSector for a
// fresh one and retries there, matching the original's
// `do { scan } while ((i = FindFreeSector()) != NO_SECTOR_FOUND)` loop: a
// findFreeSector failure means there is nowhere left to allocate.
func findFreePage(dev flashdev.Device, sectorSize, sectorCount, pageSize, minFreeSectors int, gcMode GCMode, gcWorkers int, curSector *int) (uint32, error) {
	pagesPerSector := sectorSize / pageSize
	i := *curSector
	for {
		for j := 0; j < pagesPerSector; j++ {
			addr := uint32(i*sectorSize + j*pageSize)
			tag, err := readTag(dev, addr)
			if err != nil {
				return 0, err
			}
			if tag == tagcodec.Erased {
				*curSector = i
				return addr, nil
			}
		}
		next, err := findFreeSector(dev, sectorSize, sectorCount, pageSize, minFreeSectors, gcMode, gcWorkers)
		if err != nil {
			return 0, ErrNoSpace
		}
		i = next
	}
}
