// Package hw is the driver shell for a real SPI-NOR device exposed as a
// Linux MTD character device (/dev/mtdN): WaitForDevice blocks until the
// kernel announces the device node via a uevent, which matters on systems
// where the SPI-NOR driver attaches asynchronously at boot, and MTDDevice
// then wraps the node as a flashdev.Device once it exists.
package hw

import (
	"strings"
	"time"

	"github.com/s-urbaniak/uevent"
	"golang.org/x/xerrors"
)

// WaitForDevice blocks until a uevent announces an "add" action for devname
// (e.g. "mtd0") on the mtd subsystem, or until timeout elapses, and returns
// the /dev path the kernel reported.
func WaitForDevice(devname string, timeout time.Duration) (string, error) {
	r, err := uevent.NewReader()
	if err != nil {
		return "", xerrors.Errorf("hw: uevent.NewReader: %w", err)
	}
	defer r.Close()
	dec := uevent.NewDecoder(r)

	deadline := time.Now().Add(timeout)
	type result struct {
		path string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		for {
			ev, err := dec.Decode()
			if err != nil {
				done <- result{err: xerrors.Errorf("hw: decode uevent: %w", err)}
				return
			}
			if ev.Subsystem != "mtd" || ev.Action != "add" {
				continue
			}
			name, ok := ev.Vars["DEVNAME"]
			if !ok || !strings.HasSuffix(name, devname) {
				continue
			}
			done <- result{path: "/dev/" + name}
			return
		}
	}()

	select {
	case r := <-done:
		return r.path, r.err
	case <-time.After(time.Until(deadline)):
		return "", xerrors.Errorf("hw: %s did not appear within %v", devname, timeout)
	}
}
