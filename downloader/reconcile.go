package downloader

import (
	"pakpatch/datamodel/pak"

	log "github.com/sirupsen/logrus"
)

// loadManifest transitions the chunk and file registries to a new manifest generation.
//
// Records whose name and version are unchanged are carried over with their cache and mount state.
// A mounted chunk whose file list changed is unmounted completely, so that the next mount request
// starts from a clean state. Records absent from the new generation have their download cancelled,
// are unmounted and their bytes deleted unless embedded.
func (d *Downloader) loadManifest(entries []pak.Entry) {
	log.Infof("Loading manifest with %d entries", len(entries))

	// mount tasks touch the records we're about to move around
	d.WaitForMounts()
	if c, ok := d.deps.Backend.(pak.Collector); ok {
		c.CollectGarbage()
	}

	// group by chunk, keeping the manifest order inside each chunk
	var chunkOrder []int32
	grouped := map[int32][]pak.Entry{}
	seen := map[string]bool{}
	for _, e := range entries {
		if !e.HasChunk() {
			log.Warnf("Ignoring manifest entry %s without chunk", e.FileName)
			continue
		}
		if !pak.ValidFileName(e.FileName) {
			log.Warnf("Ignoring manifest entry with invalid file name %q", e.FileName)
			continue
		}
		if seen[e.FileName] {
			log.Warnf("Ignoring duplicate manifest entry %s", e.FileName)
			continue
		}
		seen[e.FileName] = true

		if _, ok := grouped[e.ChunkID]; !ok {
			chunkOrder = append(chunkOrder, e.ChunkID)
		}
		grouped[e.ChunkID] = append(grouped[e.ChunkID], e)
	}

	oldChunks := d.chunks
	oldFiles := d.files
	d.chunks = make(map[int32]*chunk, len(grouped))
	d.files = make(map[string]*fileRecord, len(seen))

	numFiles := 0
	for _, id := range chunkOrder {
		c, existed := oldChunks[id]
		var prev []*fileRecord
		if existed {
			delete(oldChunks, id)
			prev = c.files
			c.files = nil
		} else {
			c = &chunk{id: id}
		}
		d.chunks[id] = c

		for _, e := range grouped[id] {
			if rec, ok := oldFiles[e.FileName]; ok && rec.entry.FileVersion == e.FileVersion {
				if rec.entry.FileSize != e.FileSize {
					log.Warnf("%s has the same version but a different size (%d != %d)", e.FileName, rec.entry.FileSize, e.FileSize)
				}
				rec.entry = e
				c.files = append(c.files, rec)
				d.files[e.FileName] = rec
				delete(oldFiles, e.FileName)
				continue
			}

			rec := &fileRecord{entry: e}
			if emb, ok := d.embedded[e.FileName]; ok && emb.FileVersion == e.FileVersion {
				rec.embedded = true
				rec.cached = true
				rec.sizeOnDisk = emb.FileSize
			}
			c.files = append(c.files, rec)
			d.files[e.FileName] = rec
		}

		numFiles += len(c.files)
		log.WithField("chunk", id).Debugf("Found chunk with %d files", len(c.files))

		if !c.mounted {
			continue
		}

		// a mounted chunk stays mounted only if its file list is unchanged
		common := 0
		for common < len(prev) && common < len(c.files) && prev[common] == c.files[common] {
			common++
		}
		if common == len(prev) && common == len(c.files) {
			continue
		}

		log.WithField("chunk", id).Infof("File list changed, unmounting (%d of %d files unchanged)", common, len(c.files))
		c.mounted = false
		for i := len(prev) - 1; i >= 0; i-- {
			d.unmountFile(prev[i])
		}
		for i := len(c.files) - 1; i >= 0; i-- {
			d.unmountFile(c.files[i])
		}
	}

	for _, c := range oldChunks {
		log.WithField("chunk", c.id).Info("Chunk removed from manifest")
		if !c.mounted {
			continue
		}
		c.mounted = false
		for i := len(c.files) - 1; i >= 0; i-- {
			d.unmountFile(c.files[i])
		}
	}

	for name, rec := range oldFiles {
		log.WithField("file", name).Infof("Removing orphaned file (was chunk %d)", rec.entry.ChunkID)

		if rec.download != nil {
			// the bytes are no longer wanted, so nothing failed
			d.cancelDownload(rec, true)
		}

		if rec.mounted {
			d.unmountFile(rec)
		}

		if rec.sizeOnDisk > 0 && !rec.embedded {
			d.localManifestDirty = true
			if err := d.cache.Delete(name); err != nil {
				log.Errorf("Failed to delete orphaned file %s: %v", name, err)
			}
			rec.sizeOnDisk = 0
			rec.cached = false
		}
	}

	d.saveLocalManifest(false)
	d.computeLoadingStats()

	log.Infof("Manifest load complete, %d chunks with %d files", len(d.chunks), numFiles)
}
