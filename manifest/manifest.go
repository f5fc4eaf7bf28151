// Package manifest implements the line oriented manifest text format.
//
// A manifest is a sequence of newline terminated lines. Lines starting with '$' are properties
// ("$KEY = VALUE"), every other non-empty line is a tab delimited record:
//
//	fileName \t fileSize \t fileVersion \t chunkId \t relativeUrl
//
// A negative chunkId marks a record without chunk assignment, its url field is ignored.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"pakpatch/datamodel/pak"

	log "github.com/sirupsen/logrus"
)

const (
	EmbeddedManifestFile    = "EmbeddedManifest.txt"
	LocalManifestFile       = "LocalManifest.txt"
	CachedBuildManifestFile = "CachedBuildManifest.txt"

	KeyNumEntries = "NUM_ENTRIES"
	KeyBuildID    = "BUILD_ID"
)

var ErrCorrupted = errors.New("manifest: entry count mismatch")

// Properties holds the "$KEY = VALUE" lines of a manifest.
type Properties map[string]string

// Parse decodes a manifest. Malformed records are skipped with a warning. If a NUM_ENTRIES
// property is present and does not match the number of decoded records, the whole manifest is
// discarded and ErrCorrupted is returned.
func Parse(data []byte) ([]pak.Entry, Properties, error) {
	var entries []pak.Entry
	props := Properties{}

	lines := strings.FieldsFunc(string(data), func(r rune) bool { return r == '\n' || r == '\r' })
	for n, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}

		if line[0] == '$' {
			key, value, ok := strings.Cut(line[1:], "=")
			if !ok {
				log.Warnf("Manifest: skipping malformed property on line %d: %q", n+1, line)
				continue
			}
			props[strings.TrimSpace(key)] = strings.TrimSpace(value)
			continue
		}

		e, err := parseRecord(line)
		if err != nil {
			log.Warnf("Manifest: skipping malformed record on line %d: %v", n+1, err)
			continue
		}
		entries = append(entries, e)
	}

	if v, ok := props[KeyNumEntries]; ok {
		expected, err := strconv.Atoi(v)
		if err != nil || expected != len(entries) {
			log.Errorf("Manifest: corrupt, %s is %q but %d records were parsed", KeyNumEntries, v, len(entries))
			return nil, nil, ErrCorrupted
		}
	}

	return entries, props, nil
}

func parseRecord(line string) (pak.Entry, error) {
	fields := strings.SplitN(line, "\t", 5)
	if len(fields) < 4 {
		return pak.Entry{}, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	e := pak.Entry{
		FileName:    fields[0],
		FileVersion: fields[2],
		ChunkID:     pak.NoChunk,
	}
	if e.FileName == "" {
		return pak.Entry{}, errors.New("empty file name")
	}
	if !pak.ValidFileName(e.FileName) {
		return pak.Entry{}, fmt.Errorf("invalid file name %q", e.FileName)
	}

	size, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return pak.Entry{}, fmt.Errorf("invalid size %q", fields[1])
	}
	e.FileSize = size

	chunk, err := strconv.ParseInt(fields[3], 10, 32)
	if err != nil {
		return pak.Entry{}, fmt.Errorf("invalid chunk id %q", fields[3])
	}

	if chunk >= 0 {
		if len(fields) < 5 {
			return pak.Entry{}, fmt.Errorf("missing url for chunk %d", chunk)
		}
		e.ChunkID = int32(chunk)
		e.RelativeURL = fields[4]
	}

	return e, nil
}

// ParseFile reads and decodes the manifest at path. A missing file yields an empty manifest
// and a nil error.
func ParseFile(path string) ([]pak.Entry, Properties, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debugf("Manifest: %s does not exist", path)
			return nil, Properties{}, nil
		}
		return nil, nil, err
	}

	entries, props, err := Parse(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, props, nil
}

// Serialize encodes entries and properties. NUM_ENTRIES is always written first and overrides
// any value present in props, the remaining properties follow in key order.
func Serialize(entries []pak.Entry, props Properties) []byte {
	var b bytes.Buffer

	fmt.Fprintf(&b, "$%s = %d\n", KeyNumEntries, len(entries))

	keys := make([]string, 0, len(props))
	for k := range props {
		if k != KeyNumEntries {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "$%s = %s\n", k, props[k])
	}

	for _, e := range entries {
		if e.HasChunk() {
			fmt.Fprintf(&b, "%s\t%d\t%s\t%d\t%s\n", e.FileName, e.FileSize, e.FileVersion, e.ChunkID, e.RelativeURL)
		} else {
			fmt.Fprintf(&b, "%s\t%d\t%s\t-1\t/\n", e.FileName, e.FileSize, e.FileVersion)
		}
	}

	return b.Bytes()
}

// WriteFile serializes the manifest and replaces the file at path atomically.
func WriteFile(path string, entries []pak.Entry, props Properties) error {
	return WriteAtomic(path, Serialize(entries, props))
}

// WriteAtomic writes data into a temporary file next to path, syncs it and renames it over path.
func WriteAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"

	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	_, writeErr := out.Write(data)
	syncErr := out.Sync()
	closeErr := out.Close()

	for _, err := range []error{writeErr, syncErr, closeErr} {
		if err != nil {
			_ = os.Remove(tmp)
			return err
		}
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// BuildManifestURL returns the location of the build manifest for a content build on a CDN.
func BuildManifestURL(baseURL string, buildID string, platform string) string {
	return fmt.Sprintf("%s/%s/BuildManifest-%s.txt", strings.TrimRight(baseURL, "/"), buildID, platform)
}

// ResolveURL joins a CDN base url, the content build id and a record's relative url.
func ResolveURL(baseURL string, buildID string, relativeURL string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(baseURL, "/"), buildID, strings.TrimLeft(relativeURL, "/"))
}
