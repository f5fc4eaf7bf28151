package downloader

import (
	"path"
	"strings"
)

const (
	contentDir = "Content"
	pluginsDir = "Plugins"
	gameRoot   = "/Game/"
)

// cookedExts are the extensions ChunkContentPaths keeps when asked for cooked content only.
var cookedExts = []string{".uasset", ".umap"}

func stripRelative(mountPoint string) string {
	p := strings.ReplaceAll(mountPoint, "\\", "/")
	for {
		switch {
		case strings.HasPrefix(p, "../"):
			p = p[3:]
		case strings.HasPrefix(p, "/"):
			p = p[1:]
		default:
			return p
		}
	}
}

// IsMountingToRoot reports whether an archive mount point covers the whole tree, in which case no
// content root needs to be registered for it.
func IsMountingToRoot(mountPoint string) bool {
	return stripRelative(mountPoint) == ""
}

// ParseRootDir maps a mount point to the content root it should be registered under.
//
//	../../../<Project>/Content/<etc>/                  -> /Game/<etc>/
//	../../../<Project>/Plugins/<Plugin>/Content/<etc>/ -> /<Plugin>/<etc>/
//
// Any other shape is rejected.
func ParseRootDir(mountPoint string) (string, bool) {
	p := stripRelative(mountPoint)
	if p == "" {
		return "", false
	}

	parts := strings.Split(strings.TrimSuffix(p, "/"), "/")
	if len(parts) < 2 {
		return "", false
	}

	var root string
	var rest []string
	switch {
	case parts[1] == contentDir:
		root = gameRoot
		rest = parts[2:]
	case parts[1] == pluginsDir && len(parts) >= 4 && parts[3] == contentDir && parts[2] != "":
		root = "/" + parts[2] + "/"
		rest = parts[4:]
	default:
		return "", false
	}

	for _, s := range rest {
		if s == "" || s == "." || s == ".." {
			return "", false
		}
	}
	if len(rest) > 0 {
		root += strings.Join(rest, "/") + "/"
	}
	return root, true
}

// ChunkContentPaths lists the files of a chunk as seen through their mount points. Only mounted
// files contribute. With cookedOnly set, only cooked packages are returned.
func (d *Downloader) ChunkContentPaths(chunkID int32, cookedOnly bool) ([]string, error) {
	if !d.initialized {
		return nil, ErrNotInitialized
	}

	c, ok := d.chunks[chunkID]
	if !ok {
		return nil, ErrUnknownChunk
	}
	return chunkContentPaths(c, cookedOnly), nil
}

func chunkContentPaths(c *chunk, cookedOnly bool) []string {
	var paths []string
	for _, rec := range c.files {
		if !rec.mounted || rec.handle == nil {
			continue
		}
		mp := rec.handle.MountPoint()
		for _, f := range rec.handle.Files() {
			if cookedOnly && !isCooked(f) {
				continue
			}
			paths = append(paths, path.Join(mp, f))
		}
	}
	return paths
}

func isCooked(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	for _, e := range cookedExts {
		if ext == e {
			return true
		}
	}
	return false
}

// scanChunk hands the cooked content of a mounted chunk to the content index.
func (d *Downloader) scanChunk(c *chunk) int {
	if d.deps.Index == nil {
		return 0
	}
	paths := chunkContentPaths(c, true)
	if len(paths) == 0 {
		return 0
	}
	return d.deps.Index.ScanPaths(paths)
}
