// Package vfs is an in-process mount namespace for archives. Archives are zip files whose comment
// carries the mount point, files inside an archive are addressed relative to it.
package vfs

import (
	"errors"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"pakpatch/datamodel/pak"

	"github.com/klauspost/compress/zip"

	log "github.com/sirupsen/logrus"
)

// DefaultMountPoint is used for archives without a mount point comment.
const DefaultMountPoint = "../../../"

var ErrNotFound = errors.New("vfs: file not found")

type archive struct {
	path       string
	readOrder  uint32
	mountPoint string
	files      []string
	reader     *zip.ReadCloser
	byName     map[string]*zip.File
}

func (a *archive) MountPoint() string { return a.mountPoint }
func (a *archive) Files() []string    { return a.files }

// Namespace implements pak.MountBackend, pak.Collector, pak.Registrar and pak.ContentIndex.
// It is safe for concurrent use.
type Namespace struct {
	mu       sync.RWMutex
	mounted  map[string]*archive
	released []*archive

	// physical mount point -> virtual root
	roots map[string]string
	index map[string]struct{}
}

var (
	_ pak.MountBackend = (*Namespace)(nil)
	_ pak.Collector    = (*Namespace)(nil)
	_ pak.Registrar    = (*Namespace)(nil)
	_ pak.ContentIndex = (*Namespace)(nil)
)

func NewNamespace() *Namespace {
	return &Namespace{
		mounted: map[string]*archive{},
		roots:   map[string]string{},
		index:   map[string]struct{}{},
	}
}

func normalizeMountPoint(mp string) string {
	mp = strings.ReplaceAll(strings.TrimSpace(mp), "\\", "/")
	if mp == "" {
		return DefaultMountPoint
	}
	if !strings.HasSuffix(mp, "/") {
		mp += "/"
	}
	return mp
}

func (ns *Namespace) Mount(archivePath string, readOrder uint32) pak.MountHandle {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		log.Errorf("Failed to open archive %s: %v", archivePath, err)
		return nil
	}

	a := &archive{
		path:       archivePath,
		readOrder:  readOrder,
		mountPoint: normalizeMountPoint(r.Comment),
		reader:     r,
		byName:     map[string]*zip.File{},
	}
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		a.files = append(a.files, f.Name)
		a.byName[f.Name] = f
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	if _, ok := ns.mounted[archivePath]; ok {
		r.Close()
		log.Errorf("Archive %s is already mounted", archivePath)
		return nil
	}
	ns.mounted[archivePath] = a

	log.Debugf("Mounted %s at %s with read order %d (%d files)", archivePath, a.mountPoint, readOrder, len(a.files))
	return a
}

func (ns *Namespace) Unmount(archivePath string) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	a, ok := ns.mounted[archivePath]
	if !ok {
		return false
	}
	delete(ns.mounted, archivePath)

	// readers opened from the archive may still be in use
	ns.released = append(ns.released, a)

	log.Debugf("Unmounted %s", archivePath)
	return true
}

// CollectGarbage closes the archives released by Unmount.
func (ns *Namespace) CollectGarbage() {
	ns.mu.Lock()
	released := ns.released
	ns.released = nil
	ns.mu.Unlock()

	for _, a := range released {
		if err := a.reader.Close(); err != nil {
			log.Warnf("Failed to close %s: %v", a.path, err)
		}
	}
	if len(released) > 0 {
		log.Debugf("Closed %d released archives", len(released))
	}
}

// Mounted returns the paths of the mounted archives, highest read order first.
func (ns *Namespace) Mounted() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	archives := ns.sortedLocked()
	paths := make([]string, 0, len(archives))
	for _, a := range archives {
		paths = append(paths, a.path)
	}
	return paths
}

func (ns *Namespace) sortedLocked() []*archive {
	archives := make([]*archive, 0, len(ns.mounted))
	for _, a := range ns.mounted {
		archives = append(archives, a)
	}
	sort.Slice(archives, func(i, j int) bool {
		if archives[i].readOrder != archives[j].readOrder {
			return archives[i].readOrder > archives[j].readOrder
		}
		return archives[i].path < archives[j].path
	})
	return archives
}

// Open opens a file by its physical path, that is mount point and file name joined. When several
// archives provide the file, the one with the highest read order wins.
func (ns *Namespace) Open(physicalPath string) (io.ReadCloser, error) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	for _, a := range ns.sortedLocked() {
		if !strings.HasPrefix(physicalPath, a.mountPoint) {
			continue
		}
		if f, ok := a.byName[strings.TrimPrefix(physicalPath, a.mountPoint)]; ok {
			return f.Open()
		}
	}
	return nil, ErrNotFound
}

func (ns *Namespace) RegisterMountPoint(root string, physicalPath string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	ns.roots[normalizeMountPoint(physicalPath)] = root
	log.Debugf("Registered %s -> %s", root, physicalPath)
}

func (ns *Namespace) UnregisterMountPoint(root string, physicalPath string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	mp := normalizeMountPoint(physicalPath)
	if ns.roots[mp] == root {
		delete(ns.roots, mp)
		log.Debugf("Unregistered %s -> %s", root, physicalPath)
	}
}

// IsRegistered reports whether physicalPath lies under a registered mount point.
func (ns *Namespace) IsRegistered(physicalPath string) bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	_, _, ok := ns.rootForLocked(normalizeMountPoint(physicalPath))
	return ok
}

// rootForLocked returns the longest registered mount point that is a prefix of p.
func (ns *Namespace) rootForLocked(p string) (string, string, bool) {
	best, root := "", ""
	for mp, r := range ns.roots {
		if strings.HasPrefix(p, mp) && len(mp) > len(best) {
			best, root = mp, r
		}
	}
	return best, root, best != ""
}

// ToVirtual maps a physical path to its path under the registered roots.
func (ns *Namespace) ToVirtual(physicalPath string) (string, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.toVirtualLocked(physicalPath)
}

func (ns *Namespace) toVirtualLocked(physicalPath string) (string, bool) {
	mp, root, ok := ns.rootForLocked(physicalPath)
	if !ok {
		return "", false
	}
	return path.Join(root, strings.TrimPrefix(physicalPath, mp)), true
}
