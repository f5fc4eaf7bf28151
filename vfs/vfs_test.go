package vfs

import (
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"pakpatch/datamodel/pak"
	"pakpatch/downloader"
	"pakpatch/manifest"

	"github.com/klauspost/compress/zip"
)

// createTestArchive writes a zip archive with the given files, each containing its own name.
func createTestArchive(t *testing.T, dir string, name string, mountPoint string, files ...string) string {
	t.Helper()

	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, file := range files {
		w, err := zw.Create(file)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(w, name+":"+file); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.SetComment(mountPoint); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return p
}

func readAll(t *testing.T, ns *Namespace, physicalPath string) string {
	t.Helper()
	r, err := ns.Open(physicalPath)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestMountAndReadOrder(t *testing.T) {
	dir := t.TempDir()
	mp := "../../../Proj/Content/"
	low := createTestArchive(t, dir, "Low.pak", mp, "Maps/Arena.umap", "Maps/Lobby.umap")
	high := createTestArchive(t, dir, "High.pak", mp, "Maps/Arena.umap")

	ns := NewNamespace()
	h := ns.Mount(low, 1)
	if h == nil {
		t.Fatal("Mount failed")
	}
	if h.MountPoint() != mp || len(h.Files()) != 2 {
		t.Fatalf("Unexpected handle: %s, %v", h.MountPoint(), h.Files())
	}
	if ns.Mount(high, 2) == nil {
		t.Fatal("Mount failed")
	}
	if ns.Mount(low, 3) != nil {
		t.Fatal("Archive mounted twice")
	}

	if got := readAll(t, ns, mp+"Maps/Arena.umap"); got != "High.pak:Maps/Arena.umap" {
		t.Fatalf("Higher read order did not win: %s", got)
	}
	if got := readAll(t, ns, mp+"Maps/Lobby.umap"); got != "Low.pak:Maps/Lobby.umap" {
		t.Fatalf("Unexpected content: %s", got)
	}
	if !slices.Equal(ns.Mounted(), []string{high, low}) {
		t.Fatalf("Unexpected mount list: %v", ns.Mounted())
	}

	if !ns.Unmount(high) {
		t.Fatal("Unmount failed")
	}
	if ns.Unmount(high) {
		t.Fatal("Archive unmounted twice")
	}
	ns.CollectGarbage()

	if got := readAll(t, ns, mp+"Maps/Arena.umap"); got != "Low.pak:Maps/Arena.umap" {
		t.Fatalf("Unexpected content after unmount: %s", got)
	}
	if _, err := ns.Open(mp + "Maps/Missing.umap"); err != ErrNotFound {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestMountWithoutComment(t *testing.T) {
	dir := t.TempDir()
	p := createTestArchive(t, dir, "Root.pak", "", "Proj/Content/A.uasset")

	ns := NewNamespace()
	h := ns.Mount(p, 1)
	if h == nil || h.MountPoint() != DefaultMountPoint {
		t.Fatalf("Unexpected handle %v", h)
	}

	if ns.Mount(filepath.Join(dir, "Missing.pak"), 1) != nil {
		t.Fatal("Mounted a missing archive")
	}
}

func TestRegistrarAndIndex(t *testing.T) {
	ns := NewNamespace()
	mp := "../../../Proj/Content/Maps/"

	if ns.IsRegistered(mp) {
		t.Fatal("Nothing is registered yet")
	}
	ns.RegisterMountPoint("/Game/Maps/", mp)
	if !ns.IsRegistered(mp) || !ns.IsRegistered(mp+"Arena/") {
		t.Fatal("Mount point not registered")
	}

	v, ok := ns.ToVirtual(mp + "Arena.umap")
	if !ok || v != "/Game/Maps/Arena.umap" {
		t.Fatalf("Unexpected virtual path %q", v)
	}

	n := ns.ScanPaths([]string{mp + "Arena.umap", mp + "Lobby.umap", mp + "Arena.umap", "../../../Other/x.uasset"})
	if n != 2 {
		t.Fatalf("Expected 2 indexed paths, got %d", n)
	}
	if got := ns.Query("/Game/Maps"); !slices.Equal(got, []string{"/Game/Maps/Arena.umap", "/Game/Maps/Lobby.umap"}) {
		t.Fatalf("Unexpected query result: %v", got)
	}
	if got := ns.Query("/Other"); len(got) != 0 {
		t.Fatalf("Unexpected query result: %v", got)
	}

	ns.UnregisterMountPoint("/Game/Maps/", mp)
	if ns.IsRegistered(mp) {
		t.Fatal("Mount point still registered")
	}
}

type noTransport struct{}

func (noTransport) StartDownload(string, string, func(uint64), func(pak.TransferResult)) func() {
	return func() {}
}

func TestDownloaderMountsIntoNamespace(t *testing.T) {
	cacheDir := t.TempDir()
	mp := "../../../Proj/Content/Maps/"
	createTestArchive(t, cacheDir, "Maps.pak", mp, "Arena.umap", "Arena.ini")

	fi, err := os.Stat(filepath.Join(cacheDir, "Maps.pak"))
	if err != nil {
		t.Fatal(err)
	}
	e := pak.Entry{FileName: "Maps.pak", FileSize: uint64(fi.Size()), FileVersion: "v1", ChunkID: pak.NoChunk}
	if err := manifest.WriteFile(filepath.Join(cacheDir, manifest.LocalManifestFile), []pak.Entry{e}, nil); err != nil {
		t.Fatal(err)
	}
	e.ChunkID = 1
	e.RelativeURL = "Maps.pak"
	if err := manifest.WriteFile(filepath.Join(cacheDir, manifest.CachedBuildManifestFile), []pak.Entry{e}, manifest.Properties{manifest.KeyBuildID: "1"}); err != nil {
		t.Fatal(err)
	}

	ns := NewNamespace()
	d, err := downloader.New(downloader.Options{Platform: "Linux", CacheDir: cacheDir}, downloader.Deps{
		Backend:   ns,
		Registrar: ns,
		Index:     ns,
		Transport: noTransport{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Initialize(); err != nil {
		t.Fatal(err)
	}
	defer d.Finalize()

	if !d.LoadCachedBuild("live") {
		t.Fatal("Cached build not loaded")
	}

	done := make(chan bool, 1)
	d.MountChunk(1, true, func(ok bool) { done <- ok })
	d.WaitForMounts()
	d.Tick()

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("Mount failed")
		}
	default:
		t.Fatal("Mount callback did not fire")
	}

	if got := ns.Query("/Game"); !slices.Equal(got, []string{"/Game/Maps/Arena.umap"}) {
		t.Fatalf("Unexpected index: %v", got)
	}
	if got := readAll(t, ns, mp+"Arena.ini"); got != "Maps.pak:Arena.ini" {
		t.Fatalf("Unexpected content: %s", got)
	}
}
