package downloader

import (
	"errors"
	"runtime"

	"pakpatch/datastore/pakcache"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

// FlushCache deletes the cached bytes of every chunk that has no download in progress.
// Embedded archives are never deleted. It returns the number of files that could not be flushed.
func (d *Downloader) FlushCache() int {
	if !d.initialized {
		return 0
	}

	d.WaitForMounts()

	log.Infof("Flushing archive cache at %s", d.cache.Dir())

	deleted, skipped := 0, 0
	for _, id := range d.GetAllChunkIDs() {
		c := d.chunks[id]
		logger := log.WithField("chunk", id)

		busy := false
		for _, rec := range c.files {
			if rec.download != nil {
				busy = true
				break
			}
		}

		if busy {
			for _, rec := range c.files {
				if rec.sizeOnDisk > 0 && !rec.embedded {
					logger.Warnf("Could not flush %s due to download in progress", rec.entry.FileName)
					skipped++
				}
			}
			continue
		}

		for _, rec := range c.files {
			if rec.sizeOnDisk == 0 || rec.embedded {
				continue
			}
			if err := d.cache.Delete(rec.entry.FileName); err != nil {
				logger.Errorf("Unable to delete %s: %v", rec.entry.FileName, err)
				skipped++
				continue
			}
			logger.Debugf("Deleted %s", rec.entry.FileName)
			deleted++
			rec.cached = false
			rec.sizeOnDisk = 0
			rec.mountFailures = 0
			d.localManifestDirty = true
		}
	}

	d.saveLocalManifest(false)

	log.Infof("Archive cache flush complete, %d files deleted, %d files skipped", deleted, skipped)
	return skipped
}

type validation struct {
	rec     *fileRecord
	path    string
	version string
	valid   bool
	err     error
}

// ValidateCache re-hashes every cached, non-embedded file whose version carries a hash and deletes
// the ones that don't match. Files with other version formats are skipped. It returns the number
// of invalid files.
func (d *Downloader) ValidateCache() int {
	if !d.initialized {
		return 0
	}

	d.WaitForMounts()

	log.Info("Starting archive cache validation")

	var work []*validation
	skipped := 0
	for _, rec := range d.files {
		if !rec.cached || rec.embedded {
			continue
		}
		if !pakcache.IsHashVersion(rec.entry.FileVersion) {
			log.Warnf("Unable to validate %s with version %q", rec.entry.FileName, rec.entry.FileVersion)
			skipped++
			continue
		}
		work = append(work, &validation{rec: rec, path: d.localPath(rec), version: rec.entry.FileVersion})
	}

	// hashing runs in parallel, records are only touched below
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for _, v := range work {
		v := v
		g.Go(func() error {
			v.valid, v.err = pakcache.VerifyFile(v.path, v.version)
			return nil
		})
	}
	g.Wait()

	valid, invalid := 0, 0
	for _, v := range work {
		name := v.rec.entry.FileName
		if v.err != nil && !errors.Is(v.err, pakcache.ErrUnknownVersionFormat) {
			log.Errorf("Failed to hash %s: %v", name, v.err)
		}

		if v.valid {
			log.Debugf("%s matches %s", name, v.version)
			valid++
			continue
		}

		log.Warnf("%s does not match %s", name, v.version)
		invalid++

		if err := d.cache.Delete(name); err != nil {
			log.Errorf("Unable to delete invalid %s: %v", name, err)
			continue
		}
		v.rec.cached = false
		v.rec.sizeOnDisk = 0
		v.rec.mountFailures = 0
		d.localManifestDirty = true
	}

	d.saveLocalManifest(false)

	log.Infof("Archive cache validation complete, %d valid, %d invalid, %d skipped", valid, invalid, skipped)
	return invalid
}
