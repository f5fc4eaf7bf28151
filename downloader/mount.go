package downloader

import (
	"fmt"

	"pakpatch/datamodel/pak"

	log "github.com/sirupsen/logrus"
)

// mountTask mounts or unmounts a list of files of one chunk on a background goroutine.
// The goroutine only reads items and writes results, records are updated by completeMountTask.
type mountTask struct {
	chunkID int32
	mount   bool
	scan    bool

	items     []mountItem
	results   []mountResult
	callbacks []pak.Callback
	done      chan struct{}
}

type mountItem struct {
	record       *fileRecord
	path         string
	handle       pak.MountHandle
	registration registration
	mountRoot    string
}

type mountResult struct {
	ok           bool
	handle       pak.MountHandle
	registration registration
	mountRoot    string
}

func (t *mountTask) isDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// MountChunk mounts a chunk, downloading its missing files first. When scan is set, the content of
// the chunk is handed to the content index once mounted.
func (d *Downloader) MountChunk(chunkID int32, scan bool, cb pak.Callback) {
	if !d.initialized {
		d.executeNextTick(cb, false)
		return
	}

	c, ok := d.chunks[chunkID]
	if !ok {
		log.WithField("chunk", chunkID).Warn("Ignoring mount request for unknown chunk")
		d.stats.LastError = fmt.Sprintf("Unknown chunk %d", chunkID)
		d.executeNextTick(cb, false)
		return
	}

	d.mountChunk(c, scan, cb)
}

// MountChunks mounts several chunks, the callback fires once all of them have settled.
func (d *Downloader) MountChunks(chunkIDs []int32, scan bool, cb pak.Callback) {
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
		d.MountChunk(id, scan, callbacks[i])
	}
}

// UnmountChunk unmounts every mounted file of a chunk in reverse order.
func (d *Downloader) UnmountChunk(chunkID int32, cb pak.Callback) {
	if !d.initialized {
		d.executeNextTick(cb, false)
		return
	}

	c, ok := d.chunks[chunkID]
	if !ok {
		log.WithField("chunk", chunkID).Warn("Ignoring unmount request for unknown chunk")
		d.executeNextTick(cb, false)
		return
	}

	d.unmountChunk(c, cb)
}

func (d *Downloader) UnmountChunks(chunkIDs []int32, cb pak.Callback) {
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
		d.UnmountChunk(id, callbacks[i])
	}
}

func (d *Downloader) mountChunk(c *chunk, scan bool, cb pak.Callback) {
	logger := log.WithField("chunk", c.id)

	if t := c.task; t != nil {
		if t.mount {
			t.callbacks = append(t.callbacks, cb)
			if scan {
				t.scan = true
			}
			return
		}

		// wait for the unmount to finish, then start over
		id := c.id
		t.callbacks = append(t.callbacks, func(bool) {
			d.MountChunk(id, scan, cb)
		})
		return
	}

	if c.mounted {
		d.executeNextTick(cb, true)
		return
	}

	for _, rec := range c.files {
		if rec.mountFailures >= d.opts.MaxMountAttempts {
			logger.Errorf("Not mounting, %s failed to mount %d times", rec.entry.FileName, rec.mountFailures)
			d.stats.LastError = fmt.Sprintf("Failed to mount %s", rec.entry.FileName)
			d.executeNextTick(cb, false)
			return
		}
	}

	if !c.allFilesCached() {
		logger.Debug("Downloading missing files before mounting")
		id := c.id
		d.downloadChunk(c, MaxPriority, func(ok bool) {
			if !ok {
				logger.Error("Unable to mount, download failed")
				d.stats.LastError = fmt.Sprintf("Failed to download chunk %d", id)
				d.executeNextTick(cb, false)
				return
			}
			d.MountChunk(id, scan, cb)
		})
		return
	}

	t := &mountTask{
		chunkID:   c.id,
		mount:     true,
		scan:      scan,
		callbacks: []pak.Callback{cb},
		done:      make(chan struct{}),
	}
	for _, rec := range c.files {
		if rec.mounted {
			continue
		}
		t.items = append(t.items, mountItem{record: rec, path: d.localPath(rec)})
	}

	logger.Debugf("Mounting %d of %d files", len(t.items), len(c.files))
	d.startMountTask(c, t)
}

func (d *Downloader) unmountChunk(c *chunk, cb pak.Callback) {
	if t := c.task; t != nil {
		if !t.mount {
			t.callbacks = append(t.callbacks, cb)
			return
		}

		id := c.id
		t.callbacks = append(t.callbacks, func(bool) {
			d.UnmountChunk(id, cb)
		})
		return
	}

	t := &mountTask{
		chunkID:   c.id,
		mount:     false,
		callbacks: []pak.Callback{cb},
		done:      make(chan struct{}),
	}
	for i := len(c.files) - 1; i >= 0; i-- {
		rec := c.files[i]
		if !rec.mounted {
			continue
		}
		t.items = append(t.items, mountItem{
			record:       rec,
			path:         d.localPath(rec),
			handle:       rec.handle,
			registration: rec.registration,
			mountRoot:    rec.mountRoot,
		})
	}

	if len(t.items) == 0 {
		c.mounted = false
		d.executeNextTick(cb, true)
		return
	}

	log.WithField("chunk", c.id).Debugf("Unmounting %d files", len(t.items))
	d.startMountTask(c, t)
}

func (d *Downloader) startMountTask(c *chunk, t *mountTask) {
	c.task = t
	d.mountTasks = append(d.mountTasks, t)
	d.computeLoadingStats()

	t.results = make([]mountResult, len(t.items))
	go d.runMountTask(t)
}

// runMountTask executes on a background goroutine.
func (d *Downloader) runMountTask(t *mountTask) {
	defer close(t.done)

	if t.mount {
		readOrder := uint32(len(t.items))
		for i, it := range t.items {
			h := d.deps.Backend.Mount(it.path, readOrder)
			if h == nil {
				log.WithField("chunk", t.chunkID).Errorf("Unable to mount %s", it.path)
				continue
			}

			res := mountResult{ok: true, handle: h, registration: regUntracked}
			mp := h.MountPoint()
			if d.deps.Registrar != nil && !IsMountingToRoot(mp) && !d.deps.Registrar.IsRegistered(mp) {
				if root, ok := ParseRootDir(mp); ok {
					d.deps.Registrar.RegisterMountPoint(root, mp)
					res.registration = regRegistered
					res.mountRoot = root
				} else {
					log.WithField("chunk", t.chunkID).Errorf("Unable to register mount point %q for %s", mp, it.path)
					res.registration = regUnregistered
				}
			}

			t.results[i] = res
			readOrder--
		}
		return
	}

	for i, it := range t.items {
		if !d.deps.Backend.Unmount(it.path) {
			log.WithField("chunk", t.chunkID).Errorf("Unable to unmount %s", it.path)
			continue
		}

		if it.registration == regRegistered && d.deps.Registrar != nil && it.handle != nil {
			d.deps.Registrar.UnregisterMountPoint(it.mountRoot, it.handle.MountPoint())
		}

		t.results[i] = mountResult{ok: true, registration: regUntracked}
	}
}

// updateMountTasks completes the mount tasks whose goroutine has finished.
func (d *Downloader) updateMountTasks() {
	if len(d.mountTasks) == 0 {
		return
	}

	remaining := d.mountTasks[:0]
	var finished []*mountTask
	for _, t := range d.mountTasks {
		if t.isDone() {
			finished = append(finished, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	d.mountTasks = remaining

	for _, t := range finished {
		d.completeMountTask(t)
	}
}

// WaitForMounts blocks until every mount task in flight has finished and applies their results.
func (d *Downloader) WaitForMounts() {
	if len(d.mountTasks) > 0 {
		log.Infof("Waiting for %d chunk mount tasks to complete", len(d.mountTasks))
	}

	for len(d.mountTasks) > 0 {
		tasks := d.mountTasks
		d.mountTasks = nil
		for _, t := range tasks {
			<-t.done
			d.completeMountTask(t)
		}
	}
}

func (d *Downloader) completeMountTask(t *mountTask) {
	c := d.chunks[t.chunkID]
	if c == nil || c.task != t {
		log.WithField("chunk", t.chunkID).Warn("Dropping results of a mount task for a chunk that no longer exists")
		for _, cb := range t.callbacks {
			d.executeNextTick(cb, false)
		}
		return
	}
	c.task = nil

	logger := log.WithField("chunk", c.id)

	var ok bool
	if t.mount {
		d.stats.ChunksMounted++

		for i, it := range t.items {
			res := t.results[i]
			rec := it.record
			if !res.ok {
				rec.mountFailures++
				continue
			}
			rec.mounted = true
			rec.handle = res.handle
			rec.registration = res.registration
			rec.mountRoot = res.mountRoot
			rec.mountFailures = 0
		}

		for _, rec := range c.files {
			if !rec.mounted {
				d.stats.LastError = fmt.Sprintf("Failed to mount %s", rec.entry.FileName)
			}
		}

		c.mounted = c.allFilesMounted()
		ok = c.mounted
		if ok {
			logger.Info("Chunk mounted")
			if t.scan {
				n := d.scanChunk(c)
				logger.Infof("%d files added to the content index", n)
			}
		} else {
			logger.Error("Chunk mount failed")
		}
	} else {
		d.stats.ChunksMounted--

		for i, it := range t.items {
			res := t.results[i]
			if !res.ok {
				continue
			}
			rec := it.record
			rec.mounted = false
			rec.handle = nil
			rec.registration = res.registration
			rec.mountRoot = ""
		}

		ok = true
		for _, rec := range c.files {
			if rec.mounted {
				ok = false
				d.stats.LastError = fmt.Sprintf("Failed to unmount %s", rec.entry.FileName)
			}
		}
		c.mounted = len(c.files) > 0 && c.allFilesMounted()
		if ok {
			logger.Info("Chunk unmounted")
		} else {
			logger.Error("Chunk unmount failed")
		}
	}

	for _, cb := range t.callbacks {
		d.executeNextTick(cb, ok)
	}

	fns := d.observers.chunkUnmounted
	if t.mount {
		fns = d.observers.chunkMounted
	}
	for _, fn := range fns {
		fn(c.id, ok)
	}

	d.computeLoadingStats()
}

// unmountFile synchronously unmounts a single file on the control goroutine.
func (d *Downloader) unmountFile(rec *fileRecord) bool {
	if !rec.mounted {
		return true
	}

	path := d.localPath(rec)
	if !d.deps.Backend.Unmount(path) {
		log.Errorf("Unable to unmount %s", path)
		return false
	}

	if rec.registration == regRegistered && d.deps.Registrar != nil && rec.handle != nil {
		d.deps.Registrar.UnregisterMountPoint(rec.mountRoot, rec.handle.MountPoint())
	}

	rec.mounted = false
	rec.handle = nil
	rec.registration = regUntracked
	rec.mountRoot = ""
	return true
}
