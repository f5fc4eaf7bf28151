package downloader

import (
	"errors"
	"slices"
	"testing"

	"pakpatch/datamodel/pak"
)

func TestParseRootDir(t *testing.T) {
	tests := []struct {
		mountPoint string
		root       string
		ok         bool
	}{
		{"../../../Proj/Content/", "/Game/", true},
		{"../../../Proj/Content/Maps/Arena/", "/Game/Maps/Arena/", true},
		{"../../../Proj/Plugins/Foo/Content/", "/Foo/", true},
		{"../../../Proj/Plugins/Foo/Content/Bar/", "/Foo/Bar/", true},
		{"Proj/Content/Maps", "/Game/Maps/", true},
		{"../../../Proj/Binaries/", "", false},
		{"../../../Proj/Plugins/Foo/", "", false},
		{"../../../Proj/", "", false},
		{"../../../", "", false},
	}

	for _, tt := range tests {
		root, ok := ParseRootDir(tt.mountPoint)
		if root != tt.root || ok != tt.ok {
			t.Fatalf("ParseRootDir(%q) = %q, %t; want %q, %t", tt.mountPoint, root, ok, tt.root, tt.ok)
		}
	}
}

func TestIsMountingToRoot(t *testing.T) {
	for _, mp := range []string{"", "/", "../../../", "../"} {
		if !IsMountingToRoot(mp) {
			t.Fatalf("%q should mount to root", mp)
		}
	}
	if IsMountingToRoot("../../../Proj/Content/") {
		t.Fatal("Content mount point reported as root")
	}
}

func TestChunkContentPathsAndScan(t *testing.T) {
	a := pakEntry("A.pak", 10, 1)
	h := newHarness(t, nil, a)
	h.backend.mountPoints["A.pak"] = "../../../Proj/Content/"
	h.backend.contents["A.pak"] = []string{"Maps/Arena.umap", "Textures/T.uasset", "Config/Game.ini"}
	h.load(a)

	if paths, err := h.d.ChunkContentPaths(1, false); err != nil || len(paths) != 0 {
		t.Fatalf("Unmounted chunk has content: %v, %v", paths, err)
	}

	var r result
	h.d.MountChunk(1, true, r.cb())
	h.settle()
	if !r.ok {
		t.Fatal("Mount failed")
	}

	want := []string{"../../../Proj/Content/Maps/Arena.umap", "../../../Proj/Content/Textures/T.uasset"}
	if !slices.Equal(h.index.paths, want) {
		t.Fatalf("Unexpected scanned paths: %v", h.index.paths)
	}

	all, err := h.d.ChunkContentPaths(1, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 paths, got %v", all)
	}

	if _, err := h.d.ChunkContentPaths(9, false); !errors.Is(err, ErrUnknownChunk) {
		t.Fatalf("Expected ErrUnknownChunk, got %v", err)
	}
	if s := h.d.GetChunkStatus(1); s != pak.StatusMounted {
		t.Fatalf("Expected Mounted, got %v", s)
	}
}
