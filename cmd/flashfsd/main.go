// Command flashfsd serves a read-only JSON snapshot of a NEOFS image over
// HTTP: disk space counters and a directory listing, gzip-encoded.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/glog"
	"github.com/lpar/gzipped/v2"
	"github.com/neoflashfs/neoflash"
	"github.com/neoflashfs/neoflash/flashdev"
	"github.com/neoflashfs/neoflash/internal/addrfd"
	"github.com/neoflashfs/neoflash/neofs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

var (
	listen     = flag.String("listen", ":7070", "[host]:port listen address for serving the image status")
	image      = flag.String("image", "", "path to a flash image file")
	mem        = flag.Bool("mem", false, "use a throwaway in-memory device instead of -image (for test harnesses)")
	sectorSize = flag.Int("sector_size", 4096, "device sector size in bytes")
	sectors    = flag.Int("sectors", 64, "device sector count")
	pageSize   = flag.Int("page_size", 64, "neofs page size in bytes, including the 10-byte header")
	nameMax    = flag.Int("name_max", 32, "neofs maximum file name length")
	gzip       = flag.Bool("gzip", true, "serve responses gzip-compressed")
)

// status is the JSON body served at /status.
type status struct {
	DiskFreePages         int `json:"disk_free_pages"`
	NumCleanSectors       int `json:"num_clean_sectors"`
	NumReclaimableSectors int `json:"num_reclaimable_sectors"`
}

// snapshotServer regenerates its served directory's contents on every
// request, immediately before delegating to a gzipped.FileServer: the
// files themselves, not the handler, are what gzipped.FileServer
// compresses.
type snapshotServer struct {
	mu    sync.Mutex
	store *neofs.Store
	dir   string
	inner http.Handler
}

func newSnapshotServer(store *neofs.Store, dir string, gz bool) *snapshotServer {
	s := &snapshotServer{store: store, dir: dir}
	if gz {
		s.inner = gzipped.FileServer(http.Dir(dir))
	} else {
		s.inner = http.FileServer(http.Dir(dir))
	}
	return s
}

func (s *snapshotServer) refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	free, err := s.store.DiskFree()
	if err != nil {
		return xerrors.Errorf("flashfsd: DiskFree: %w", err)
	}
	clean, err := s.store.NumCleanSectors()
	if err != nil {
		return xerrors.Errorf("flashfsd: NumCleanSectors: %w", err)
	}
	reclaimable, err := s.store.NumReclaimableSectors()
	if err != nil {
		return xerrors.Errorf("flashfsd: NumReclaimableSectors: %w", err)
	}
	st := status{
		DiskFreePages:         free,
		NumCleanSectors:       clean,
		NumReclaimableSectors: reclaimable,
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return xerrors.Errorf("flashfsd: marshal status: %w", err)
	}
	if err := ioutil.WriteFile(filepath.Join(s.dir, "status.json"), b, 0644); err != nil {
		return xerrors.Errorf("flashfsd: write status.json: %w", err)
	}

	var names []string
	name, ok, err := s.store.Dir(true)
	for ; ok; name, ok, err = s.store.Dir(false) {
		if err != nil {
			return xerrors.Errorf("flashfsd: Dir: %w", err)
		}
		names = append(names, name)
	}
	if err != nil {
		return xerrors.Errorf("flashfsd: Dir: %w", err)
	}
	b, err = json.MarshalIndent(names, "", "  ")
	if err != nil {
		return xerrors.Errorf("flashfsd: marshal ls: %w", err)
	}
	if err := ioutil.WriteFile(filepath.Join(s.dir, "ls.json"), b, 0644); err != nil {
		return xerrors.Errorf("flashfsd: write ls.json: %w", err)
	}
	return nil
}

func (s *snapshotServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := s.refresh(); err != nil {
		glog.Errorf("flashfsd: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.inner.ServeHTTP(w, r)
}

func openDevice() (flashdev.Device, func() error, error) {
	if *mem {
		return flashdev.NewMemDevice(*sectorSize, *sectors), func() error { return nil }, nil
	}
	if *image == "" {
		return nil, nil, xerrors.New("flashfsd: -image or -mem is required")
	}
	d, err := flashdev.OpenFileDevice(*image, *sectorSize, *sectors)
	if err != nil {
		return nil, nil, err
	}
	return d, d.Close, nil
}

func serve(ctx context.Context) error {
	dev, closeFn, err := openDevice()
	if err != nil {
		return err
	}
	neoflash.RegisterAtExit(closeFn)
	store := neofs.New(dev, neofs.Config{PageSize: *pageSize, NameMax: *nameMax})

	dir, err := ioutil.TempDir("", "flashfsd")
	if err != nil {
		return xerrors.Errorf("flashfsd: TempDir: %w", err)
	}
	neoflash.RegisterAtExit(func() error { return os.RemoveAll(dir) })

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		return xerrors.Errorf("flashfsd: listen: %w", err)
	}
	addr := ln.Addr().String()

	mux := http.NewServeMux()
	mux.Handle("/", newSnapshotServer(store, dir, *gzip))
	server := &http.Server{Addr: addr, Handler: mux}

	log.Printf("flashfsd: serving %s status on %s", *image, addr)
	addrfd.MustWrite(addr)

	var eg errgroup.Group
	eg.Go(func() error {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(context.Background())
	})
	return eg.Wait()
}

func funcmain() error {
	flag.Parse()
	ctx, canc := neoflash.InterruptibleContext()
	defer canc()
	if err := serve(ctx); err != nil {
		return err
	}
	return neoflash.RunAtExit()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
