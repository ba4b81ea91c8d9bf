package neofs

import (
	"github.com/neoflashfs/neoflash/tagcodec"
	"golang.org/x/xerrors"
)

// loadCache fills h's cache buffer from hdr's page starting at logical
// offset 0 (used on Open, where curPageAddr is the file's first data page).
func (s *Store) loadCache(h *Handle, hdr pageHeader) error {
	return s.loadCacheAt(h, hdr, 0)
}

// loadCacheAt fills h's cache buffer from the page at h.curPageAddr (whose
// header is hdr), which logically starts at file offset pageStart. In
// ModeRead the visible window ends at hdr.Size bytes in; in ModeWrite it
// always extends to a full page, since writes may extend the page.
func (s *Store) loadCacheAt(h *Handle, hdr pageHeader, pageStart uint32) error {
	payload := s.payloadSize()
	buf := make([]byte, payload)
	if _, err := s.dev.ReadAt(buf, int64(h.curPageAddr)+pageHeaderSize); err != nil {
		return xerrors.Errorf("neofs: load cache at %#x: %w", h.curPageAddr, err)
	}
	h.cacheBuf = buf
	h.cacheStart = pageStart
	if h.mode == ModeWrite {
		h.cacheEnd = pageStart + uint32(payload)
	} else {
		h.cacheEnd = pageStart + uint32(hdr.Size)
	}
	h.cacheDirty = false
	return nil
}

// advanceCache moves the read window to the next page in the chain,
// chasing forwarding addresses. It returns false once the chain or the
// file's recorded length is exhausted.
func (s *Store) advanceCache(h *Handle) (bool, error) {
	hdr, err := readPageHeader(s.dev, h.curPageAddr)
	if err != nil {
		return false, err
	}
	if hdr.NextPageAddr == NoAddr {
		return false, nil
	}
	nextAddr, nextHdr, err := s.resolveForwarding(hdr.NextPageAddr)
	if err != nil {
		return false, err
	}
	h.curPageAddr = nextAddr
	h.curSector = int(nextAddr) / s.sectorSize()
	return true, s.loadCacheAt(h, nextHdr, h.cacheEnd)
}

// advanceCacheForWrite is advanceCache's write-mode counterpart: it flushes
// the current page, then either follows an existing next-page link or
// allocates and links a fresh page when the chain ends here. It returns
// ErrNoSpace (from findFreePage) once the device has nowhere left to grow
// the chain.
func (s *Store) advanceCacheForWrite(h *Handle) error {
	if err := s.flushCache(h, false); err != nil {
		return err
	}
	hdr, err := readPageHeader(s.dev, h.curPageAddr)
	if err != nil {
		return err
	}
	if hdr.NextPageAddr != NoAddr {
		nextAddr, nextHdr, err := s.resolveForwarding(hdr.NextPageAddr)
		if err != nil {
			return err
		}
		h.curPageAddr = nextAddr
		h.curSector = int(nextAddr) / s.sectorSize()
		return s.loadCacheAt(h, nextHdr, h.cacheEnd)
	}

	newAddr, err := findFreePage(s.dev, s.sectorSize(), s.sectorCount(), s.cfg.PageSize, s.cfg.MinFreeSectors, s.cfg.GCMode, s.cfg.GCWorkers, &h.curSector)
	if err != nil {
		return err
	}
	if err := writeTag(s.dev, newAddr, tagcodec.DataPageTypeMask&tagcodec.NEOFSUsedMask); err != nil {
		return err
	}
	if err := writeNextPageAddr(s.dev, h.curPageAddr, newAddr); err != nil {
		return err
	}
	pageStart := h.cacheEnd
	h.curPageAddr = newAddr
	newHdr, err := readPageHeader(s.dev, newAddr)
	if err != nil {
		return err
	}
	return s.loadCacheAt(h, newHdr, pageStart)
}

// compatible reports whether flash's bits can be cleared, without an
// erase, to read as want. NOR writes can only clear bits, so a dirty cache
// can be written in place only if `tmp := cache ^ flash; (tmp & flash) == tmp`
// for every byte, i.e. every differing bit in flash is a 1 becoming a 0.
func compatible(flash, want []byte) bool {
	for i := range want {
		tmp := want[i] ^ flash[i]
		if tmp&flash[i] != tmp {
			return false
		}
	}
	return true
}

// flushCache writes a dirty cache window back to flash, either in place
// (if the new bytes are reachable by clearing bits only) or by relocating
// to a freshly allocated page and forwarding the old one. If final is true
// the page is also marked COMPLETED once the payload is safely written.
func (s *Store) flushCache(h *Handle, final bool) error {
	if !h.cacheDirty && !final {
		return nil
	}
	n := h.cacheEnd - h.cacheStart
	want := h.cacheBuf[:n]

	cur := make([]byte, n)
	if _, err := s.dev.ReadAt(cur, int64(h.curPageAddr)+pageHeaderSize); err != nil {
		return xerrors.Errorf("neofs: flush cache read at %#x: %w", h.curPageAddr, err)
	}

	if compatible(cur, want) {
		if _, err := s.dev.WriteAt(want, int64(h.curPageAddr)+pageHeaderSize); err != nil {
			return xerrors.Errorf("neofs: flush cache write at %#x: %w", h.curPageAddr, err)
		}
		if err := writeSize(s.dev, h.curPageAddr, byte(n)); err != nil {
			return err
		}
		if final {
			tag, err := readTag(s.dev, h.curPageAddr)
			if err != nil {
				return err
			}
			if err := writeTag(s.dev, h.curPageAddr, tag&tagcodec.NEOFSCompletedMask); err != nil {
				return err
			}
		}
		h.cacheDirty = false
		return nil
	}

	oldHdr, err := readPageHeader(s.dev, h.curPageAddr)
	if err != nil {
		return err
	}

	newAddr, err := findFreePage(s.dev, s.sectorSize(), s.sectorCount(), s.cfg.PageSize, s.cfg.MinFreeSectors, s.cfg.GCMode, s.cfg.GCWorkers, &h.curSector)
	if err != nil {
		return xerrors.Errorf("neofs: relocate page: %w", err)
	}

	if err := writeTag(s.dev, newAddr, tagcodec.DataPageTypeMask&tagcodec.NEOFSUsedMask); err != nil {
		return err
	}
	if _, err := s.dev.WriteAt(want, int64(newAddr)+pageHeaderSize); err != nil {
		return xerrors.Errorf("neofs: relocate payload: %w", err)
	}
	if err := writeSize(s.dev, newAddr, byte(n)); err != nil {
		return err
	}
	if err := writeNextPageAddr(s.dev, newAddr, oldHdr.NextPageAddr); err != nil {
		return err
	}
	if final {
		newTag, err := readTag(s.dev, newAddr)
		if err != nil {
			return err
		}
		if err := writeTag(s.dev, newAddr, newTag&tagcodec.NEOFSCompletedMask); err != nil {
			return err
		}
	}

	if err := writeFwdAddr(s.dev, h.curPageAddr, newAddr); err != nil {
		return err
	}
	oldTag, err := readTag(s.dev, h.curPageAddr)
	if err != nil {
		return err
	}
	if err := writeTag(s.dev, h.curPageAddr, oldTag&tagcodec.NEOFSObsoleteMask); err != nil {
		return err
	}

	h.curPageAddr = newAddr
	h.cacheDirty = false
	return nil
}
