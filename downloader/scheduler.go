package downloader

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"pakpatch/datamodel/download"
	"pakpatch/datamodel/pak"
	"pakpatch/manifest"

	log "github.com/sirupsen/logrus"
)

// activeDownload is the transfer of one file record. It is created when the record is queued and
// started once a concurrency slot frees up.
type activeDownload struct {
	record    *fileRecord
	url       string
	started   bool
	startTime time.Time
	cancel    func()

	// bytes on disk as reported by the transport, written from transport goroutines
	progress atomic.Uint64
}

// downloadQueue holds the records with an active download, ordered by descending priority.
// Records with equal priority keep their request order.
type downloadQueue []*fileRecord

func (q *downloadQueue) add(rec *fileRecord) {
	for _, r := range *q {
		if r == rec {
			return
		}
	}
	*q = append(*q, rec)
}

func (q *downloadQueue) remove(rec *fileRecord) {
	for i, r := range *q {
		if r == rec {
			*q = append((*q)[:i], (*q)[i+1:]...)
			return
		}
	}
}

func (q downloadQueue) sort() {
	sort.SliceStable(q, func(i, j int) bool { return q[i].priority > q[j].priority })
}

func (q downloadQueue) numStarted() int {
	n := 0
	for _, rec := range q {
		if rec.download != nil && rec.download.started {
			n++
		}
	}
	return n
}

// DownloadChunk downloads every uncached file of a chunk. The callback reports whether all of them
// are cached afterwards.
func (d *Downloader) DownloadChunk(chunkID int32, priority int32, cb pak.Callback) {
	if !d.initialized {
		d.executeNextTick(cb, false)
		return
	}

	c, ok := d.chunks[chunkID]
	if !ok {
		log.WithField("chunk", chunkID).Warn("Ignoring download request for unknown chunk")
		d.stats.LastError = fmt.Sprintf("Unknown chunk %d", chunkID)
		d.executeNextTick(cb, false)
		return
	}

	d.downloadChunk(c, priority, cb)
}

// DownloadChunks downloads several chunks, the callback fires once all of them have settled.
func (d *Downloader) DownloadChunks(chunkIDs []int32, priority int32, cb pak.Callback) {
	if len(chunkIDs) == 0 {
		d.executeNextTick(cb, true)
		return
	}

	mc := newMultiCallback(cb)
	callbacks := make([]pak.Callback, len(chunkIDs))
	for i := range chunkIDs {
		callbacks[i] = mc.add()
	}
	for i, id := range chunkIDs {
		d.DownloadChunk(id, priority, callbacks[i])
	}
}

func (d *Downloader) downloadChunk(c *chunk, priority int32, cb pak.Callback) {
	var mc *multiCallback
	var callbacks []pak.Callback

	for _, rec := range c.files {
		if rec.cached {
			continue
		}
		if mc == nil {
			mc = newMultiCallback(cb)
		}
		callbacks = append(callbacks, mc.add())
	}

	if mc == nil {
		d.executeNextTick(cb, true)
		return
	}

	i := 0
	for _, rec := range c.files {
		if rec.cached {
			continue
		}
		d.requestDownload(rec, priority, callbacks[i])
		i++
	}
}

// requestDownload queues rec for download. The priority of a record never decreases, and a record
// has at most one download, later requests only add their callback.
func (d *Downloader) requestDownload(rec *fileRecord, priority int32, cb pak.Callback) {
	if priority > rec.priority {
		rec.priority = priority
	}
	if cb != nil {
		rec.callbacks = append(rec.callbacks, cb)
	}

	if rec.download != nil {
		d.queue.sort()
		d.issueDownloads()
		return
	}

	rec.download = &activeDownload{record: rec}
	d.queue.add(rec)
	d.queue.sort()

	// a record with a pending download must survive a crash in the local manifest
	d.localManifestDirty = true
	d.saveLocalManifest(false)

	d.issueDownloads()
}

// issueDownloads starts queued downloads until the concurrency target is reached.
func (d *Downloader) issueDownloads() {
	inFlight := d.queue.numStarted()
	for _, rec := range d.queue {
		if inFlight >= d.opts.TargetDownloadsInFlight {
			return
		}
		if rec.download == nil || rec.download.started {
			continue
		}
		d.startDownload(rec.download)
		inFlight++
	}
}

func (d *Downloader) startDownload(dl *activeDownload) {
	rec := dl.record
	dl.started = true
	dl.startTime = d.now()

	if len(d.cdnBaseURLs) == 0 {
		log.WithField("file", rec.entry.FileName).Error("No CDN base urls configured, cannot download")
		d.mailbox.post(func() {
			d.completeDownload(dl, pak.TransferResult{Err: fmt.Errorf("no CDN base urls")})
		})
		return
	}

	dest, err := d.cache.Path(rec.entry.FileName)
	if err != nil {
		log.WithField("file", rec.entry.FileName).Errorf("Cannot download: %v", err)
		d.mailbox.post(func() {
			d.completeDownload(dl, pak.TransferResult{Err: err})
		})
		return
	}

	base := d.cdnBaseURLs[d.activeBaseURL%len(d.cdnBaseURLs)]
	dl.url = manifest.ResolveURL(base, d.contentBuildID, rec.entry.RelativeURL)

	log.WithFields(log.Fields{"file": rec.entry.FileName, "priority": rec.priority}).Debugf("Starting download from %s", dl.url)

	dl.cancel = d.deps.Transport.StartDownload(dl.url, dest,
		func(bytesOnDisk uint64) {
			dl.progress.Store(bytesOnDisk)
		},
		func(res pak.TransferResult) {
			d.mailbox.post(func() { d.completeDownload(dl, res) })
		})
}

// updateDownloadProgress folds transport progress into sizeOnDisk.
func (d *Downloader) updateDownloadProgress() {
	for _, rec := range d.queue {
		if rec.download == nil || !rec.download.started {
			continue
		}
		if p := rec.download.progress.Load(); p > rec.sizeOnDisk {
			rec.sizeOnDisk = p
		}
	}
}

func (d *Downloader) completeDownload(dl *activeDownload, res pak.TransferResult) {
	rec := dl.record
	if rec.download != dl {
		// cancelled or superseded
		return
	}

	rec.download = nil
	d.queue.remove(rec)

	size, err := d.cache.Size(rec.entry.FileName)
	if err != nil {
		log.Errorf("Failed to stat %s after download: %v", rec.entry.FileName, err)
	}

	ok := res.OK()
	if ok && size != rec.entry.FileSize {
		log.WithField("file", rec.entry.FileName).Errorf("Downloaded size mismatch (%d != %d), deleting", size, rec.entry.FileSize)
		if err := d.cache.Delete(rec.entry.FileName); err != nil {
			log.Errorf("Failed to delete %s: %v", rec.entry.FileName, err)
		}
		size = 0
		ok = false
	}

	rec.sizeOnDisk = size
	rec.cached = ok

	d.stats.FilesDownloaded++
	d.stats.BytesDownloaded += res.BytesReceived
	if ok {
		log.WithField("file", rec.entry.FileName).Infof("Download complete (%d bytes in %v)", res.BytesReceived, res.Duration)
	} else {
		log.WithField("file", rec.entry.FileName).Errorf("Download failed: HTTP %d, %v", res.HTTPStatus, res.Err)
		d.stats.LastError = fmt.Sprintf("Failed to download %s", rec.entry.FileName)
	}

	d.localManifestDirty = true
	d.saveLocalManifest(false)

	d.publishAnalytics(&download.Record{
		FileName:   rec.entry.FileName,
		URL:        dl.url,
		Size:       res.BytesReceived,
		Duration:   res.Duration,
		HTTPStatus: res.HTTPStatus,
		Success:    ok,
		Time:       d.now(),
	})

	callbacks := rec.callbacks
	rec.callbacks = nil
	for _, cb := range callbacks {
		cb(ok)
	}

	d.issueDownloads()
}

// cancelDownload aborts the download of rec and settles its callbacks with result on the next tick,
// so continuations never run in the middle of a reconciliation. Bytes already on disk are kept.
func (d *Downloader) cancelDownload(rec *fileRecord, result bool) {
	dl := rec.download
	if dl == nil {
		return
	}

	log.WithField("file", rec.entry.FileName).Debugf("Cancelling download (result %t)", result)

	if dl.started && dl.cancel != nil {
		dl.cancel()
	}
	if p := dl.progress.Load(); p > rec.sizeOnDisk {
		rec.sizeOnDisk = p
	}

	rec.download = nil
	d.queue.remove(rec)

	callbacks := rec.callbacks
	rec.callbacks = nil
	for _, cb := range callbacks {
		d.executeNextTick(cb, result)
	}

	d.issueDownloads()
}

func (d *Downloader) publishAnalytics(rec *download.Record) {
	for _, fn := range d.observers.downloadAnalytics {
		fn(rec)
	}
}
