package downloader

import (
	"pakpatch/datamodel/pak"

	log "github.com/sirupsen/logrus"
)

// idleTicksForLoadingCompletion is the number of consecutive idle ticks before a loading mode
// session completes, which gives dependent requests a chance to queue.
const idleTicksForLoadingCompletion = 5

type loadingMode struct {
	callbacks []pak.Callback
	latch     int
}

func (l *loadingMode) active() bool {
	return len(l.callbacks) > 0
}

// BeginLoadingMode starts tracking download and mount progress. The callback fires once all
// queued work has settled, with ok set if no error was recorded during the session.
// Calls made while a session is active join it.
func (d *Downloader) BeginLoadingMode(cb pak.Callback) {
	if cb == nil {
		cb = func(bool) {}
	}

	if d.loading.active() {
		log.Debug("Joining loading mode")
		d.loading.callbacks = append(d.loading.callbacks, cb)
		return
	}

	log.Info("Begin loading mode")

	d.stats.LastError = ""
	d.stats.BytesDownloaded = 0
	d.stats.FilesDownloaded = 0
	d.stats.ChunksMounted = 0
	d.stats.LoadingStartTime = d.now()
	d.computeLoadingStats()

	d.loading.callbacks = []pak.Callback{cb}
	d.loading.latch = 0
}

// IsLoading reports whether a loading mode session is active.
func (d *Downloader) IsLoading() bool {
	return d.loading.active()
}

func (d *Downloader) updateLoadingMode() {
	if !d.loading.active() {
		return
	}

	d.computeLoadingStats()

	if !d.stats.Done() {
		d.loading.latch = 0
		return
	}

	d.loading.latch++
	if d.loading.latch < idleTicksForLoadingCompletion {
		return
	}

	log.Infof("End loading mode (%d files downloaded, %d chunks mounted)", d.stats.FilesDownloaded, d.stats.ChunksMounted)
	d.finishLoadingMode(d.stats.LastError == "")
}

func (d *Downloader) finishLoadingMode(ok bool) {
	callbacks := d.loading.callbacks
	d.loading = loadingMode{}
	for _, cb := range callbacks {
		cb(ok)
	}
}

// computeLoadingStats adds the outstanding work to the totals completed so far.
func (d *Downloader) computeLoadingStats() {
	d.stats.TotalBytesToDownload = d.stats.BytesDownloaded
	d.stats.TotalFilesToDownload = d.stats.FilesDownloaded
	d.stats.TotalChunksToMount = d.stats.ChunksMounted

	for _, c := range d.chunks {
		if c.task != nil && c.task.mount {
			d.stats.TotalChunksToMount++
		}
	}

	for _, rec := range d.queue {
		d.stats.TotalFilesToDownload++

		remaining := rec.entry.FileSize
		if rec.download != nil && rec.download.started {
			if p := rec.download.progress.Load(); p < remaining {
				remaining -= p
			} else {
				remaining = 0
			}
		}
		d.stats.TotalBytesToDownload += remaining
	}
}
