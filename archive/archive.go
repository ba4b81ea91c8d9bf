// Package archive serializes a simulated flash region, or a single NEOFS
// file's contents, to a cpio archive for backup or diffing between test
// runs. It has no counterpart in the original design — the original has no
// persistence beyond its in-process flash buffer — but gives flashfsctl a
// natural export/import pair.
package archive

import (
	"io"

	"github.com/cavaliercoder/go-cpio"
	kgzip "github.com/klauspost/compress/gzip"
	"github.com/klauspost/pgzip"
	"github.com/neoflashfs/neoflash/flashdev"
	"github.com/neoflashfs/neoflash/neofs"
	"golang.org/x/xerrors"
)

// imageEntryName is the cpio entry name used for a whole-device export.
const imageEntryName = "flash.img"

// ExportDevice writes dev's full contents as a single cpio entry to w. If
// gzipped is true, the cpio stream is compressed with pgzip, which spreads
// the compression work across goroutines rather than blocking the whole
// export on a single-threaded gzip pass.
func ExportDevice(dev flashdev.Device, w io.Writer, gzipped bool) error {
	dst := w
	var zw *pgzip.Writer
	if gzipped {
		zw = pgzip.NewWriter(w)
		dst = zw
	}

	cw := cpio.NewWriter(dst)
	size := flashdev.Size(dev)
	if err := cw.WriteHeader(&cpio.Header{
		Name: imageEntryName,
		Mode: cpio.FileMode(0o644),
		Size: size,
	}); err != nil {
		return xerrors.Errorf("archive: write cpio header: %w", err)
	}

	buf := make([]byte, dev.SectorSize())
	for off := int64(0); off < size; off += int64(len(buf)) {
		n := len(buf)
		if off+int64(n) > size {
			n = int(size - off)
		}
		if _, err := dev.ReadAt(buf[:n], off); err != nil {
			return xerrors.Errorf("archive: read device at %d: %w", off, err)
		}
		if _, err := cw.Write(buf[:n]); err != nil {
			return xerrors.Errorf("archive: write cpio payload: %w", err)
		}
	}
	if err := cw.Close(); err != nil {
		return xerrors.Errorf("archive: close cpio writer: %w", err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return xerrors.Errorf("archive: close gzip writer: %w", err)
		}
	}
	return nil
}

// ImportDevice reads a cpio archive produced by ExportDevice from r and
// restores it onto dev. Since flashdev.Device.WriteAt can only clear bits,
// every sector dev overlaps is erased first.
func ImportDevice(dev flashdev.Device, r io.Reader, gzipped bool) error {
	src := r
	if gzipped {
		zr, err := kgzip.NewReader(r)
		if err != nil {
			return xerrors.Errorf("archive: open gzip reader: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	cr := cpio.NewReader(src)
	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			return xerrors.Errorf("archive: no %q entry found", imageEntryName)
		}
		if err != nil {
			return xerrors.Errorf("archive: read cpio header: %w", err)
		}
		if hdr.Name != imageEntryName {
			continue
		}
		for sec := 0; sec < dev.SectorCount(); sec++ {
			if err := dev.Erase(sec); err != nil {
				return xerrors.Errorf("archive: erase sector %d: %w", sec, err)
			}
		}
		buf := make([]byte, dev.SectorSize())
		off := int64(0)
		for {
			n, err := io.ReadFull(cr, buf)
			if n > 0 {
				if _, werr := dev.WriteAt(buf[:n], off); werr != nil {
					return xerrors.Errorf("archive: write device at %d: %w", off, werr)
				}
				off += int64(n)
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			if err != nil {
				return xerrors.Errorf("archive: read cpio payload: %w", err)
			}
		}
		return nil
	}
}

// ExportNEOFSFile writes name's full contents, read through store, as a
// single cpio entry to w.
func ExportNEOFSFile(store *neofs.Store, name string, w io.Writer) error {
	h, err := store.Open(name, neofs.ModeRead)
	if err != nil {
		return xerrors.Errorf("archive: open %s: %w", name, err)
	}
	defer store.Close(h)

	cw := cpio.NewWriter(w)
	var content []byte
	buf := make([]byte, 4096)
	for {
		n, err := store.Read(h, buf)
		content = append(content, buf[:n]...)
		if err != nil {
			return xerrors.Errorf("archive: read %s: %w", name, err)
		}
		if n == 0 {
			break
		}
	}
	if err := cw.WriteHeader(&cpio.Header{
		Name: name,
		Mode: cpio.FileMode(0o644),
		Size: int64(len(content)),
	}); err != nil {
		return xerrors.Errorf("archive: write cpio header for %s: %w", name, err)
	}
	if _, err := cw.Write(content); err != nil {
		return xerrors.Errorf("archive: write cpio payload for %s: %w", name, err)
	}
	return cw.Close()
}
