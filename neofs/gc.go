package neofs

import (
	"github.com/golang/glog"
	"github.com/neoflashfs/neoflash/flashdev"
	"github.com/neoflashfs/neoflash/tagcodec"
	"golang.org/x/sync/errgroup"
)

// GCMode selects how much of the device GarbageCollect reclaims before
// returning.
type GCMode int

const (
	// GCReluctant stops after reclaiming more than one sector.
	GCReluctant GCMode = iota
	// GCGreedy reclaims every fully-reclaimable sector before returning.
	GCGreedy
)

// reclaimable reports whether tag marks a page that garbage collection may
// treat as empty: either still erased, or with its Obsolete bit cleared.
func reclaimable(tag byte) bool {
	return tag == tagcodec.Erased || tag&tagcodec.NEOFSObsoleteBit == 0
}

func countReclaimablePages(dev flashdev.Device, sectorSize, pageSize, sector int) (int, error) {
	pagesPerSector := sectorSize / pageSize
	count := 0
	for j := 0; j < pagesPerSector; j++ {
		addr := uint32(sector*sectorSize + j*pageSize)
		tag, err := readTag(dev, addr)
		if err != nil {
			return 0, err
		}
		if reclaimable(tag) {
			count++
		}
	}
	return count, nil
}

// garbageCollect scans sectors for ones entirely made of reclaimable pages
// and erases them. GCReluctant returns as soon as it has reclaimed more
// than one sector; GCGreedy erases every reclaimable sector first. If
// workers > 1, the scan (not the erase, which stays serialized) fans out
// across a bounded pool of that many goroutines.
func garbageCollect(dev flashdev.Device, sectorSize, sectorCount, pageSize int, mode GCMode, workers int) (int, error) {
	pagesPerSector := sectorSize / pageSize
	counts := make([]int, sectorCount)

	if workers > 1 {
		var g errgroup.Group
		sem := make(chan struct{}, workers)
		for i := 0; i < sectorCount; i++ {
			i := i
			sem <- struct{}{}
			g.Go(func() error {
				defer func() { <-sem }()
				n, err := countReclaimablePages(dev, sectorSize, pageSize, i)
				if err != nil {
					return err
				}
				counts[i] = n
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return 0, err
		}
	} else {
		for i := 0; i < sectorCount; i++ {
			n, err := countReclaimablePages(dev, sectorSize, pageSize, i)
			if err != nil {
				return 0, err
			}
			counts[i] = n
		}
	}

	result := -1
	reclaimed := 0
	for i := 0; i < sectorCount; i++ {
		if counts[i] != pagesPerSector {
			continue
		}
		glog.V(1).Infof("neofs: reclaiming sector %d", i)
		if err := dev.Erase(i); err != nil {
			return 0, err
		}
		reclaimed++
		result = i
		if mode == GCReluctant && reclaimed > 1 {
			return result, nil
		}
	}
	if reclaimed == 0 {
		return 0, ErrNoSectorFound
	}
	return result, nil
}
