package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"pakpatch/datamodel/pak"
)

func TestParseSingleRecord(t *testing.T) {
	entries, props, err := Parse([]byte("$NUM_ENTRIES = 1\nA.pak\t1024\tSHA1:abcd\t2\tbuild/A.pak\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}

	want := pak.Entry{FileName: "A.pak", FileSize: 1024, FileVersion: "SHA1:abcd", ChunkID: 2, RelativeURL: "build/A.pak"}
	if entries[0] != want {
		t.Fatalf("Entry mismatch: %+v != %+v", entries[0], want)
	}
	if props[KeyNumEntries] != "1" {
		t.Fatalf("Unexpected NUM_ENTRIES property: %q", props[KeyNumEntries])
	}
}

func TestParseCountMismatch(t *testing.T) {
	entries, props, err := Parse([]byte("$NUM_ENTRIES = 2\nA.pak\t1024\tSHA1:abcd\t2\tbuild/A.pak\n"))
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("Expected ErrCorrupted, got %v", err)
	}
	if len(entries) != 0 || len(props) != 0 {
		t.Fatalf("Expected empty result, got %d entries and %d properties", len(entries), len(props))
	}
}

func TestParseSkipsMalformedLines(t *testing.T) {
	data := "$BUILD_ID = 42\r\n" +
		"A.pak\t1024\tv1\t1\tA.pak\r\n" +
		"garbage line\n" +
		"B.pak\tnotasize\tv1\t1\tB.pak\n" +
		"C.pak\t10\tv1\tx\tC.pak\n" +
		"\n" +
		"D.pak\t20\tv2\t3\tsub/D.pak\n"

	entries, props, err := Parse([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].FileName != "A.pak" || entries[1].FileName != "D.pak" {
		t.Fatalf("Unexpected entries: %+v", entries)
	}
	if props[KeyBuildID] != "42" {
		t.Fatalf("Unexpected BUILD_ID: %q", props[KeyBuildID])
	}
}

func TestParseRejectsUnsafeNames(t *testing.T) {
	data := "../victim.pak\t10\tv1\t1\tvictim.pak\n" +
		"sub/A.pak\t10\tv1\t1\tA.pak\n" +
		"sub\\B.pak\t10\tv1\t1\tB.pak\n" +
		"..\t10\tv1\t1\tx\n" +
		"C.pak\t10\tv1\t1\tpaks/C.pak\n"

	entries, _, err := Parse([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].FileName != "C.pak" {
		t.Fatalf("Expected only C.pak, got %+v", entries)
	}

	// a rejected record no longer matches the declared count
	if _, _, err := Parse([]byte("$NUM_ENTRIES = 1\n../victim.pak\t10\tv1\t1\tvictim.pak\n")); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("Expected ErrCorrupted, got %v", err)
	}
}

func TestParseNegativeChunkIgnoresURL(t *testing.T) {
	entries, _, err := Parse([]byte("A.pak\t5\tv1\t-1\t/\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	if entries[0].ChunkID != pak.NoChunk || entries[0].RelativeURL != "" {
		t.Fatalf("Expected no chunk and empty url, got %+v", entries[0])
	}
}

func TestSerializeWritesCountFirst(t *testing.T) {
	entries := []pak.Entry{
		{FileName: "A.pak", FileSize: 1, FileVersion: "v1", ChunkID: 1, RelativeURL: "A.pak"},
	}
	out := string(Serialize(entries, Properties{KeyBuildID: "b1", KeyNumEntries: "99"}))

	want := "$NUM_ENTRIES = 1\n$BUILD_ID = b1\nA.pak\t1\tv1\t1\tA.pak\n"
	if out != want {
		t.Fatalf("Unexpected serialization:\n%q\nwant:\n%q", out, want)
	}
}

func TestLocalManifestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), LocalManifestFile)

	entries := []pak.Entry{
		{FileName: "A.pak", FileSize: 1024, FileVersion: "SHA1:00FF", ChunkID: 7, RelativeURL: "x/A.pak"},
		{FileName: "B.pak", FileSize: 1, FileVersion: "v2", ChunkID: pak.NoChunk},
	}
	local := make([]pak.Entry, 0, len(entries))
	for _, e := range entries {
		e.ChunkID = pak.NoChunk
		e.RelativeURL = ""
		local = append(local, e)
	}

	if err := WriteFile(path, local, nil); err != nil {
		t.Fatal(err)
	}

	parsed, _, err := ParseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed) != len(entries) {
		t.Fatalf("Expected %d entries, got %d", len(entries), len(parsed))
	}
	for i := range entries {
		if parsed[i].FileName != entries[i].FileName || parsed[i].FileSize != entries[i].FileSize || parsed[i].FileVersion != entries[i].FileVersion {
			t.Fatalf("Entry %d mismatch: %+v != %+v", i, parsed[i], entries[i])
		}
		if parsed[i].ChunkID != pak.NoChunk || parsed[i].RelativeURL != "" {
			t.Fatalf("Entry %d should have no chunk: %+v", i, parsed[i])
		}
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("Temporary file left behind: %v", err)
	}
}

func TestParseMissingFile(t *testing.T) {
	entries, props, err := ParseFile(filepath.Join(t.TempDir(), "nope.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 || len(props) != 0 {
		t.Fatalf("Expected empty manifest, got %d entries", len(entries))
	}
}

func TestURLs(t *testing.T) {
	if u := BuildManifestURL("https://cdn.example.com/", "b42", "Windows"); u != "https://cdn.example.com/b42/BuildManifest-Windows.txt" {
		t.Fatalf("Unexpected build manifest url: %s", u)
	}
	if u := ResolveURL("https://cdn.example.com", "b42", "/paks/A.pak"); u != "https://cdn.example.com/b42/paks/A.pak" {
		t.Fatalf("Unexpected file url: %s", u)
	}
}
