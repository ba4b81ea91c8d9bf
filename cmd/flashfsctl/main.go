// Command flashfsctl drives a NEOFS/NEOCFS flash image from the command
// line: formatting it, reading and writing named files, inspecting disk
// space, and exporting/importing the whole image as a cpio archive.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/neoflashfs/neoflash"
	"github.com/neoflashfs/neoflash/archive"
	"github.com/neoflashfs/neoflash/flashdev"
	"github.com/neoflashfs/neoflash/neofs"
	"golang.org/x/xerrors"
)

var (
	image      = flag.String("image", "", "path to a flash image file; created if missing and -create is set")
	create     = flag.Bool("create", false, "create -image if it does not already exist")
	mem        = flag.Bool("mem", false, "use a throwaway in-memory device instead of -image")
	sectorSize = flag.Int("sector_size", 4096, "device sector size in bytes")
	sectors    = flag.Int("sectors", 64, "device sector count")
	pageSize   = flag.Int("page_size", 64, "neofs page size in bytes, including the 10-byte header")
	nameMax    = flag.Int("name_max", 32, "neofs maximum file name length")
	gzipped    = flag.Bool("gzip", false, "compress/decompress export and import streams")
)

func colorize(code, s string) string {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return s
	}
	return "\x1b[" + code + "m" + s + "\x1b[0m"
}

func openDevice() (flashdev.Device, func() error, error) {
	if *mem {
		return flashdev.NewMemDevice(*sectorSize, *sectors), func() error { return nil }, nil
	}
	if *image == "" {
		return nil, nil, xerrors.New("flashfsctl: -image or -mem is required")
	}
	if _, err := os.Stat(*image); *create && os.IsNotExist(err) {
		d, err := flashdev.CreateFileDevice(*image, *sectorSize, *sectors)
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	}
	d, err := flashdev.OpenFileDevice(*image, *sectorSize, *sectors)
	if err != nil {
		return nil, nil, err
	}
	return d, d.Close, nil
}

func openStore() (*neofs.Store, flashdev.Device, func() error, error) {
	dev, closeFn, err := openDevice()
	if err != nil {
		return nil, nil, nil, err
	}
	store := neofs.New(dev, neofs.Config{PageSize: *pageSize, NameMax: *nameMax})
	return store, dev, closeFn, nil
}

type verb func(ctx context.Context, args []string) error

func cmdFormat(ctx context.Context, args []string) error {
	store, _, closeFn, err := openStore()
	if err != nil {
		return err
	}
	neoflash.RegisterAtExit(closeFn)
	return store.Format()
}

func cmdLs(ctx context.Context, args []string) error {
	store, _, closeFn, err := openStore()
	if err != nil {
		return err
	}
	neoflash.RegisterAtExit(closeFn)
	name, ok, err := store.Dir(true)
	for ; ok; name, ok, err = store.Dir(false) {
		if err != nil {
			return err
		}
		fmt.Println(name)
	}
	return err
}

func cmdCat(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return xerrors.New("usage: flashfsctl cat <name>")
	}
	store, _, closeFn, err := openStore()
	if err != nil {
		return err
	}
	neoflash.RegisterAtExit(closeFn)
	h, err := store.Open(args[0], neofs.ModeRead)
	if err != nil {
		return err
	}
	defer store.Close(h)
	buf := make([]byte, 4096)
	for {
		n, err := store.Read(h, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := os.Stdout.Write(buf[:n]); err != nil {
			return err
		}
	}
}

func cmdWrite(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return xerrors.New("usage: flashfsctl write <name> < data")
	}
	store, _, closeFn, err := openStore()
	if err != nil {
		return err
	}
	neoflash.RegisterAtExit(closeFn)
	h, err := store.Open(args[0], neofs.ModeWrite)
	if err != nil {
		return err
	}
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if _, werr := store.Write(h, buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return store.Close(h)
}

func cmdDf(ctx context.Context, args []string) error {
	store, _, closeFn, err := openStore()
	if err != nil {
		return err
	}
	neoflash.RegisterAtExit(closeFn)
	free, err := store.DiskFree()
	if err != nil {
		return err
	}
	clean, err := store.NumCleanSectors()
	if err != nil {
		return err
	}
	reclaimable, err := store.NumReclaimableSectors()
	if err != nil {
		return err
	}
	fmt.Printf("%s %d\n", colorize("32", "disk_free_pages"), free)
	fmt.Printf("%s %d\n", colorize("32", "clean_sectors"), clean)
	fmt.Printf("%s %d\n", colorize("32", "reclaimable_sectors"), reclaimable)
	return nil
}

func cmdGC(ctx context.Context, args []string) error {
	store, _, closeFn, err := openStore()
	if err != nil {
		return err
	}
	neoflash.RegisterAtExit(closeFn)
	return store.GarbageCollect()
}

func cmdExport(ctx context.Context, args []string) error {
	_, dev, closeFn, err := openStore()
	if err != nil {
		return err
	}
	neoflash.RegisterAtExit(closeFn)
	return archive.ExportDevice(dev, os.Stdout, *gzipped)
}

func cmdExportFile(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return xerrors.New("usage: flashfsctl export-file <name>")
	}
	store, _, closeFn, err := openStore()
	if err != nil {
		return err
	}
	neoflash.RegisterAtExit(closeFn)
	return archive.ExportNEOFSFile(store, args[0], os.Stdout)
}

func cmdImport(ctx context.Context, args []string) error {
	_, dev, closeFn, err := openStore()
	if err != nil {
		return err
	}
	neoflash.RegisterAtExit(closeFn)
	return archive.ImportDevice(dev, os.Stdin, *gzipped)
}

func funcmain() error {
	flag.Parse()
	ctx, canc := neoflash.InterruptibleContext()
	defer canc()

	verbs := map[string]verb{
		"format":      cmdFormat,
		"ls":          cmdLs,
		"cat":         cmdCat,
		"write":       cmdWrite,
		"df":          cmdDf,
		"gc":          cmdGC,
		"export":      cmdExport,
		"export-file": cmdExportFile,
		"import":      cmdImport,
	}

	args := flag.Args()
	if len(args) == 0 {
		return xerrors.New("usage: flashfsctl [flags] <command> [args]")
	}
	name, rest := args[0], args[1:]
	v, ok := verbs[name]
	if !ok {
		return xerrors.Errorf("unknown command %q", name)
	}
	if err := v(ctx, rest); err != nil {
		return xerrors.Errorf("%s: %w", name, err)
	}
	return neoflash.RunAtExit()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
