package downloader

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pakpatch/datamodel/pak"
	"pakpatch/manifest"
)

const rootMountPoint = "../../../"

type fakeHandle struct {
	mountPoint string
	files      []string
}

func (h *fakeHandle) MountPoint() string { return h.mountPoint }
func (h *fakeHandle) Files() []string    { return h.files }

// fakeBackend records every call as "mount:<name>" or "unmount:<name>".
type fakeBackend struct {
	mu          sync.Mutex
	calls       []string
	readOrders  map[string]uint32
	mounted     map[string]bool
	failMount   map[string]bool
	mountPoints map[string]string
	contents    map[string][]string
	collections int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		readOrders:  map[string]uint32{},
		mounted:     map[string]bool{},
		failMount:   map[string]bool{},
		mountPoints: map[string]string{},
		contents:    map[string][]string{},
	}
}

func (b *fakeBackend) Mount(path string, readOrder uint32) pak.MountHandle {
	b.mu.Lock()
	defer b.mu.Unlock()

	name := filepath.Base(path)
	b.calls = append(b.calls, "mount:"+name)
	if b.failMount[name] {
		return nil
	}
	b.mounted[name] = true
	b.readOrders[name] = readOrder

	mp, ok := b.mountPoints[name]
	if !ok {
		mp = rootMountPoint
	}
	return &fakeHandle{mountPoint: mp, files: b.contents[name]}
}

func (b *fakeBackend) Unmount(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	name := filepath.Base(path)
	b.calls = append(b.calls, "unmount:"+name)
	if !b.mounted[name] {
		return false
	}
	delete(b.mounted, name)
	return true
}

func (b *fakeBackend) CollectGarbage() {
	b.mu.Lock()
	b.collections++
	b.mu.Unlock()
}

func (b *fakeBackend) takeCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	calls := b.calls
	b.calls = nil
	return calls
}

type fakeRegistrar struct {
	mu    sync.Mutex
	roots map[string]string
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{roots: map[string]string{}}
}

func (r *fakeRegistrar) RegisterMountPoint(root string, physicalPath string) {
	r.mu.Lock()
	r.roots[physicalPath] = root
	r.mu.Unlock()
}

func (r *fakeRegistrar) UnregisterMountPoint(root string, physicalPath string) {
	r.mu.Lock()
	delete(r.roots, physicalPath)
	r.mu.Unlock()
}

func (r *fakeRegistrar) IsRegistered(physicalPath string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.roots[physicalPath]
	return ok
}

func (r *fakeRegistrar) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.roots)
}

type fakeIndex struct {
	paths []string
}

func (x *fakeIndex) ScanPaths(paths []string) int {
	x.paths = append(x.paths, paths...)
	return len(paths)
}

type fakeTransfer struct {
	url        string
	dest       string
	onProgress func(uint64)
	onComplete func(pak.TransferResult)
	cancelled  bool
}

// finish writes size bytes to the destination and reports a successful transfer.
func (tr *fakeTransfer) finish(t *testing.T, size int) {
	t.Helper()
	if err := os.WriteFile(tr.dest, bytes.Repeat([]byte{'x'}, size), 0644); err != nil {
		t.Fatal(err)
	}
	tr.onProgress(uint64(size))
	tr.onComplete(pak.TransferResult{HTTPStatus: 200, BytesReceived: uint64(size), Duration: time.Millisecond})
}

// partial writes size bytes to the destination without completing the transfer.
func (tr *fakeTransfer) partial(t *testing.T, size int) {
	t.Helper()
	if err := os.WriteFile(tr.dest, bytes.Repeat([]byte{'x'}, size), 0644); err != nil {
		t.Fatal(err)
	}
	tr.onProgress(uint64(size))
}

type fakeTransport struct {
	mu        sync.Mutex
	transfers []*fakeTransfer
}

func (f *fakeTransport) StartDownload(url string, destPath string, onProgress func(uint64), onComplete func(pak.TransferResult)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	tr := &fakeTransfer{url: url, dest: destPath, onProgress: onProgress, onComplete: onComplete}
	f.transfers = append(f.transfers, tr)
	return func() {
		f.mu.Lock()
		tr.cancelled = true
		f.mu.Unlock()
	}
}

// started returns the file names in the order their transfers were started.
func (f *fakeTransport) started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, tr := range f.transfers {
		names = append(names, filepath.Base(tr.dest))
	}
	return names
}

func (f *fakeTransport) transfer(t *testing.T, name string) *fakeTransfer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.transfers) - 1; i >= 0; i-- {
		if filepath.Base(f.transfers[i].dest) == name {
			return f.transfers[i]
		}
	}
	t.Fatalf("No transfer started for %s", name)
	return nil
}

type fakeFetcher struct {
	mu      sync.Mutex
	urls    []string
	respond func(n int, url string) ([]byte, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	n := len(f.urls)
	f.urls = append(f.urls, url)
	respond := f.respond
	f.mu.Unlock()
	return respond(n, url)
}

func (f *fakeFetcher) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

type harness struct {
	t         *testing.T
	cacheDir  string
	d         *Downloader
	backend   *fakeBackend
	registrar *fakeRegistrar
	index     *fakeIndex
	transport *fakeTransport
	fetcher   *fakeFetcher
	clock     time.Time
}

var testCdnBaseURLs = []string{"http://cdn-a.test", "http://cdn-b.test"}

// newHarness creates an initialized downloader whose cache folder is seeded with the given
// archives, each filled with its size in bytes and listed in the local manifest.
func newHarness(t *testing.T, configure func(*Options), seed ...pak.Entry) *harness {
	t.Helper()

	h := &harness{
		t:         t,
		cacheDir:  filepath.Join(t.TempDir(), "cache"),
		backend:   newFakeBackend(),
		registrar: newFakeRegistrar(),
		index:     &fakeIndex{},
		transport: &fakeTransport{},
		fetcher: &fakeFetcher{respond: func(int, string) ([]byte, error) {
			return nil, context.DeadlineExceeded
		}},
		clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	if len(seed) > 0 {
		if err := os.MkdirAll(h.cacheDir, 0755); err != nil {
			t.Fatal(err)
		}
		var local []pak.Entry
		for _, e := range seed {
			h.writeFile(e.FileName, int(e.FileSize))
			e.ChunkID = pak.NoChunk
			e.RelativeURL = ""
			local = append(local, e)
		}
		if err := manifest.WriteFile(filepath.Join(h.cacheDir, manifest.LocalManifestFile), local, nil); err != nil {
			t.Fatal(err)
		}
	}

	opts := Options{
		Platform: "Linux",
		CacheDir: h.cacheDir,
		CdnBaseURLs: func(string) []string {
			return testCdnBaseURLs
		},
	}
	if configure != nil {
		configure(&opts)
	}

	d, err := New(opts, Deps{
		Backend:   h.backend,
		Registrar: h.registrar,
		Index:     h.index,
		Transport: h.transport,
		Fetcher:   h.fetcher,
	})
	if err != nil {
		t.Fatal(err)
	}
	d.now = func() time.Time { return h.clock }
	if err := d.Initialize(); err != nil {
		t.Fatal(err)
	}
	h.d = d
	return h
}

func (h *harness) writeFile(name string, size int) {
	h.t.Helper()
	if err := os.WriteFile(filepath.Join(h.cacheDir, name), bytes.Repeat([]byte{'x'}, size), 0644); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) exists(name string) bool {
	_, err := os.Stat(filepath.Join(h.cacheDir, name))
	return err == nil
}

// load switches to build "1" of the "live" deployment with the given manifest.
func (h *harness) load(entries ...pak.Entry) {
	if h.d.contentBuildID == "" {
		h.d.setContentBuildID("live", "1")
	}
	h.d.loadManifest(entries)
}

// settle completes mount tasks and runs deferred callbacks until the downloader is quiet.
func (h *harness) settle() {
	for i := 0; i < 8; i++ {
		h.d.WaitForMounts()
		h.d.Tick()
	}
}

// waitFor ticks until cond holds, for work finishing on other goroutines.
func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("Timed out waiting for %s", what)
		}
		h.d.Tick()
		time.Sleep(time.Millisecond)
	}
}

func pakEntry(name string, size uint64, chunkID int32) pak.Entry {
	return pak.Entry{FileName: name, FileSize: size, FileVersion: "v1", ChunkID: chunkID, RelativeURL: "paks/" + name}
}

// result captures the outcome of a callback.
type result struct {
	called int
	ok     bool
}

func (r *result) cb() pak.Callback {
	return func(ok bool) {
		r.called++
		r.ok = ok
	}
}
