package downloader

import (
	"sort"

	"pakpatch/datamodel/pak"
	"pakpatch/manifest"

	log "github.com/sirupsen/logrus"
)

// registration tracks whether a mount point was registered on behalf of an archive.
type registration int

const (
	regUntracked    registration = iota // mount point was already covered, nothing to undo
	regRegistered                       // registered by us, unregistered on unmount
	regUnregistered                     // registration was attempted and failed
)

// fileRecord is the state of one archive file. Its fields are only touched on the control goroutine.
type fileRecord struct {
	entry pak.Entry

	cached   bool
	mounted  bool
	embedded bool

	registration registration
	mountRoot    string
	handle       pak.MountHandle

	sizeOnDisk uint64
	priority   int32
	download   *activeDownload
	callbacks  []pak.Callback

	mountFailures int
}

// chunk is an ordered group of archive files that is mounted as a unit.
// mounted is true iff every file in files is mounted.
type chunk struct {
	id      int32
	files   []*fileRecord
	mounted bool
	task    *mountTask
}

func (c *chunk) allFilesMounted() bool {
	for _, rec := range c.files {
		if !rec.mounted {
			return false
		}
	}
	return true
}

func (c *chunk) allFilesCached() bool {
	for _, rec := range c.files {
		if !rec.cached {
			return false
		}
	}
	return true
}

// GetChunkStatus reports how far a chunk is from being usable.
func (d *Downloader) GetChunkStatus(chunkID int32) pak.ChunkStatus {
	c, ok := d.chunks[chunkID]
	if !ok || len(c.files) == 0 {
		return pak.StatusUnknown
	}

	if c.mounted {
		return pak.StatusMounted
	}

	numCached, numDownloading := 0, 0
	for _, rec := range c.files {
		if rec.cached {
			numCached++
		} else if rec.download != nil {
			numDownloading++
		}
	}

	switch n := len(c.files); {
	case numCached >= n:
		return pak.StatusCached
	case numCached+numDownloading >= n:
		return pak.StatusDownloading
	case numCached+numDownloading > 0:
		return pak.StatusPartial
	default:
		return pak.StatusRemote
	}
}

// GetAllChunkIDs returns the ids of all known chunks in ascending order.
func (d *Downloader) GetAllChunkIDs() []int32 {
	ids := make([]int32, 0, len(d.chunks))
	for id := range d.chunks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DumpLoadedChunks logs every known chunk with its status.
func (d *Downloader) DumpLoadedChunks() {
	for _, id := range d.GetAllChunkIDs() {
		c := d.chunks[id]
		log.WithFields(log.Fields{
			"chunk":  id,
			"files":  len(c.files),
			"status": d.GetChunkStatus(id).String(),
		}).Info("Chunk")
	}
}

// localManifestEntries lists the non-embedded files that have bytes on disk or a download pending.
func (d *Downloader) localManifestEntries() []pak.Entry {
	var entries []pak.Entry
	for _, rec := range d.files {
		if rec.embedded {
			continue
		}
		if rec.sizeOnDisk == 0 && rec.download == nil {
			continue
		}
		e := rec.entry
		e.ChunkID = pak.NoChunk
		e.RelativeURL = ""
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].FileName < entries[j].FileName })
	return entries
}

// saveLocalManifest rewrites LocalManifest.txt if the cache state changed since the last save.
func (d *Downloader) saveLocalManifest(force bool) {
	if !force && !d.localManifestDirty {
		return
	}

	entries := d.localManifestEntries()
	if err := manifest.WriteFile(d.cacheFile(manifest.LocalManifestFile), entries, nil); err != nil {
		log.Errorf("Failed to write local manifest: %v", err)
		return
	}

	log.Debugf("Saved local manifest with %d entries", len(entries))
	d.localManifestDirty = false
}
