package main

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/neoflashfs/neoflash/flashdev"
	"github.com/neoflashfs/neoflash/neofs"
)

func newTestStore(t *testing.T) *neofs.Store {
	t.Helper()
	dev := flashdev.NewMemDevice(256, 8)
	store := neofs.New(dev, neofs.Config{PageSize: 32, NameMax: 16})
	if err := store.Format(); err != nil {
		t.Fatalf("Format: %v", err)
	}
	return store
}

func TestSnapshotServerServesStatusAndLs(t *testing.T) {
	store := newTestStore(t)
	h, err := store.Open("hello", neofs.ModeWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := store.Write(h, []byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := store.Close(h); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dir, err := ioutil.TempDir("", "flashfsd-test")
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	srv := newSnapshotServer(store, dir, false /* gzip */)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status.json", nil)
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /status.json: status %d, body %s", rec.Code, rec.Body.String())
	}
	var st status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.NumCleanSectors == 0 {
		t.Fatalf("NumCleanSectors = 0, want > 0 on a freshly formatted store")
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/ls.json", nil)
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /ls.json: status %d, body %s", rec.Code, rec.Body.String())
	}
	var names []string
	if err := json.Unmarshal(rec.Body.Bytes(), &names); err != nil {
		t.Fatalf("unmarshal ls: %v", err)
	}
	if len(names) != 1 || names[0] != "hello" {
		t.Fatalf("ls = %v, want [hello]", names)
	}
}
