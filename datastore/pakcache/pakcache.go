// Package pakcache implements the writable archive cache folder.
package pakcache

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"pakpatch/datamodel/pak"

	log "github.com/sirupsen/logrus"
)

// ArchiveExt is the extension of archive files kept in the cache.
const ArchiveExt = ".pak"

// ErrInvalidName is returned for names that would resolve outside the cache folder.
var ErrInvalidName = errors.New("pakcache: invalid file name")

// Cache is a flat folder holding downloaded archive files and the writable manifests.
// File names are the archive file names from the manifest, no additional metadata is stored on disk.
type Cache struct {
	basePath string
}

func New(basePath string) (*Cache, error) {
	basePath = filepath.Clean(basePath)

	if err := ensureDir(basePath); err != nil {
		return nil, err
	}

	log.Infof("Opened archive cache at %s", basePath)

	return &Cache{basePath: basePath}, nil
}

// ensureDir checks if a directory exists at the given path, and if not, creates it.
func ensureDir(path string) error {
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(path, 0755)
		}
		return err
	}
	if !stat.IsDir() {
		return &os.PathError{Op: "ensureDir", Path: path, Err: os.ErrExist}
	}
	return nil
}

func (c *Cache) Dir() string {
	return c.basePath
}

// Path returns the on-disk location of a cached file. Only bare file names are accepted.
func (c *Cache) Path(name string) (string, error) {
	if !pak.ValidFileName(name) {
		return "", &os.PathError{Op: "path", Path: name, Err: ErrInvalidName}
	}
	return filepath.Join(c.basePath, name), nil
}

// Size returns the number of bytes of name currently on disk, 0 if it doesn't exist.
func (c *Cache) Size(name string) (uint64, error) {
	path, err := c.Path(name)
	if err != nil {
		return 0, err
	}
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	if stat.IsDir() {
		return 0, &os.PathError{Op: "size", Path: path, Err: os.ErrInvalid}
	}
	return uint64(stat.Size()), nil
}

// Delete removes a cached file. Deleting a missing file is not an error.
func (c *Cache) Delete(name string) error {
	path, err := c.Path(name)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Enumerate lists the archive files present in the cache folder.
// Subdirectories and files with other extensions (manifests, temporary files) are skipped.
func (c *Cache) Enumerate() ([]string, error) {
	dirEntries, err := os.ReadDir(c.basePath)
	if err != nil {
		log.Errorf("Error reading cache folder %s for enumeration: %v", c.basePath, err)
		return nil, err
	}

	var names []string
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		if !strings.EqualFold(filepath.Ext(de.Name()), ArchiveExt) {
			continue
		}
		names = append(names, de.Name())
	}

	return names, nil
}
