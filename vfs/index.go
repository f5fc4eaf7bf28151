package vfs

import (
	"path"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ScanPaths adds physical paths to the content index under their virtual names. Paths outside
// every registered root are skipped.
func (ns *Namespace) ScanPaths(paths []string) int {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	added, skipped := 0, 0
	for _, p := range paths {
		v, ok := ns.toVirtualLocked(p)
		if !ok {
			skipped++
			continue
		}
		if _, dup := ns.index[v]; dup {
			continue
		}
		ns.index[v] = struct{}{}
		added++
	}

	if skipped > 0 {
		log.Warnf("%d paths are not under a registered root and were not indexed", skipped)
	}
	return added
}

// Query returns the indexed virtual paths below dir in lexical order.
func (ns *Namespace) Query(dir string) []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	prefix := path.Clean("/"+dir) + "/"
	if prefix == "//" {
		prefix = "/"
	}

	var out []string
	for v := range ns.index {
		if strings.HasPrefix(v, prefix) {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
