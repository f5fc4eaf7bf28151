// Package downloader keeps a local archive cache in sync with a content build manifest:
// it reconciles manifests, schedules downloads and mounts chunks of archive files.
//
// A Downloader is confined to one goroutine, the control goroutine. Every exported method
// except Submit must be called from it. Background work (mounts, transfers, manifest fetches)
// reports back through a mailbox that is drained by Tick, so records are only ever mutated on
// the control goroutine.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"pakpatch/datamodel/download"
	"pakpatch/datamodel/pak"
	"pakpatch/datastore/pakcache"
	"pakpatch/helper/timer"
	"pakpatch/manifest"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

var (
	ErrNotInitialized   = errors.New("downloader: not initialized")
	ErrUnknownChunk     = errors.New("downloader: unknown chunk")
	ErrUpdateInProgress = errors.New("downloader: build update already in progress")
)

const (
	// MaxPriority is used for downloads required by a mount request.
	MaxPriority int32 = math.MaxInt32

	defaultTargetDownloadsInFlight = 4
	defaultMaxMountAttempts        = 3
)

type Options struct {
	Platform                string
	CacheDir                string
	EmbeddedDir             string
	TargetDownloadsInFlight int
	MaxMountAttempts        int

	// CdnBaseURLs resolves the CDN base urls of a deployment. Nil means no CDN is configured.
	CdnBaseURLs func(deployment string) []string
}

// Deps are the collaborators of a Downloader. Registrar, Index and Fetcher are optional.
type Deps struct {
	Backend   pak.MountBackend
	Registrar pak.Registrar
	Index     pak.ContentIndex
	Transport pak.Transport
	Fetcher   pak.Fetcher
}

type Downloader struct {
	opts Options
	deps Deps

	cache       *pakcache.Cache
	initialized bool

	// Registries, owned by the session
	embedded           map[string]pak.Entry
	files              map[string]*fileRecord
	chunks             map[int32]*chunk
	localManifestDirty bool

	// Work in flight
	queue      downloadQueue
	mountTasks []*mountTask
	update     *buildUpdate

	// Content build identity
	deploymentName string
	contentBuildID string
	cdnBaseURLs    []string
	activeBaseURL  int

	loading loadingMode
	stats   pak.Stats

	mailbox  mailbox
	deferred []func()
	timers   []delayedCall
	now      func() time.Time

	observers observers
}

func New(opts Options, deps Deps) (*Downloader, error) {
	if deps.Backend == nil {
		return nil, errors.New("downloader: mount backend is required")
	}
	if deps.Transport == nil {
		return nil, errors.New("downloader: transport is required")
	}
	if opts.Platform == "" {
		return nil, errors.New("downloader: platform is required")
	}
	if opts.TargetDownloadsInFlight <= 0 {
		opts.TargetDownloadsInFlight = defaultTargetDownloadsInFlight
	}
	if opts.MaxMountAttempts <= 0 {
		opts.MaxMountAttempts = defaultMaxMountAttempts
	}

	cache, err := pakcache.New(opts.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("downloader: %w", err)
	}

	return &Downloader{
		opts:    opts,
		deps:    deps,
		cache:   cache,
		mailbox: newMailbox(),
		now:     time.Now,
	}, nil
}

// Initialize loads the embedded and local manifests and reconciles them with the cache folder:
// files larger than their manifest entry or not listed at all are deleted, empty files are dropped.
func (d *Downloader) Initialize() error {
	if d.initialized {
		return errors.New("downloader: already initialized")
	}

	log.Infof("Initializing downloader for platform %s (%d downloads in flight)", d.opts.Platform, d.opts.TargetDownloadsInFlight)

	d.embedded = map[string]pak.Entry{}
	d.files = map[string]*fileRecord{}
	d.chunks = map[int32]*chunk{}
	d.queue = downloadQueue{}
	d.stats = pak.Stats{}
	d.localManifestDirty = false

	if d.opts.EmbeddedDir != "" {
		entries, _, err := manifest.ParseFile(filepath.Join(d.opts.EmbeddedDir, manifest.EmbeddedManifestFile))
		if err != nil {
			log.Errorf("Failed to load embedded manifest: %v", err)
		}
		for _, e := range entries {
			d.embedded[e.FileName] = e
		}
		log.Infof("Found %d embedded archives", len(d.embedded))
	}

	entries, _, err := manifest.ParseFile(d.cacheFile(manifest.LocalManifestFile))
	if err != nil {
		log.Errorf("Local manifest is unusable, starting from an empty cache: %v", err)
		d.localManifestDirty = true
	}

	for _, e := range entries {
		if _, dup := d.files[e.FileName]; dup {
			log.Warnf("Duplicate local manifest entry for %s", e.FileName)
			d.localManifestDirty = true
			continue
		}

		size, err := d.cache.Size(e.FileName)
		if err != nil {
			log.Errorf("Failed to stat %s: %v", e.FileName, err)
			d.localManifestDirty = true
			continue
		}

		switch {
		case size > e.FileSize:
			log.Warnf("%s is larger than expected (%d > %d), deleting", e.FileName, size, e.FileSize)
			if err := d.cache.Delete(e.FileName); err != nil {
				log.Errorf("Failed to delete %s: %v", e.FileName, err)
			}
			d.localManifestDirty = true
		case size == 0:
			log.Debugf("%s is listed in the local manifest but missing on disk", e.FileName)
			d.localManifestDirty = true
		default:
			e.ChunkID = pak.NoChunk
			e.RelativeURL = ""
			rec := &fileRecord{entry: e, sizeOnDisk: size, cached: size == e.FileSize}
			d.files[e.FileName] = rec
		}
	}

	// Anything in the cache folder we don't know about is garbage from an older session
	names, err := d.cache.Enumerate()
	if err != nil {
		log.Errorf("Failed to enumerate the cache folder: %v", err)
	}
	for _, name := range names {
		if _, ok := d.files[name]; ok {
			continue
		}
		log.Warnf("Deleting unknown archive %s from the cache", name)
		if err := d.cache.Delete(name); err != nil {
			log.Errorf("Failed to delete %s: %v", name, err)
		}
	}

	d.initialized = true

	if d.localManifestDirty {
		d.saveLocalManifest(true)
	}

	return nil
}

// Finalize cancels outstanding work, unmounts every mounted chunk and clears the registries.
// Pending download, loading mode and build update callbacks fail before it returns. Initialize must
// be called again before reuse.
func (d *Downloader) Finalize() {
	if !d.initialized {
		return
	}

	log.Info("Finalizing downloader")

	d.WaitForMounts()

	for _, rec := range d.files {
		if rec.download != nil {
			d.cancelDownload(rec, false)
		}
	}

	for _, c := range d.chunks {
		if !c.mounted {
			continue
		}
		for i := len(c.files) - 1; i >= 0; i-- {
			d.unmountFile(c.files[i])
		}
		c.mounted = false
	}

	d.files = nil
	d.chunks = nil
	d.embedded = nil
	d.queue = downloadQueue{}
	d.timers = nil

	d.finishUpdate(false)
	d.finishLoadingMode(false)

	d.deploymentName = ""
	d.contentBuildID = ""
	d.cdnBaseURLs = nil
	d.initialized = false

	d.runDeferred()
}

// Tick applies the results of background work and fires deferred callbacks.
func (d *Downloader) Tick() {
	d.runDeferred()

	for _, fn := range d.mailbox.drain() {
		fn()
	}

	if !d.initialized {
		return
	}

	d.runTimers()
	d.updateDownloadProgress()
	d.updateMountTasks()
	d.updateLoadingMode()
}

// runDeferred runs the callbacks deferred before this tick. Callbacks they defer run on the next one.
func (d *Downloader) runDeferred() {
	batch := d.deferred
	d.deferred = nil
	for _, fn := range batch {
		fn()
	}
}

// Submit schedules fn on the control goroutine. It is the only method that is safe to call from other goroutines.
func (d *Downloader) Submit(fn func()) {
	d.mailbox.post(fn)
}

// Run ticks the downloader until the context is cancelled.
func (d *Downloader) Run(ctx context.Context, interval *timer.Interval) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return timer.RunWithTicker(gctx, interval, func(ctx context.Context) error {
			d.Tick()
			return nil
		})
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Await starts an asynchronous operation and ticks until its callback fires or the context is done.
func (d *Downloader) Await(ctx context.Context, interval time.Duration, op func(done pak.Callback)) (bool, error) {
	result := make(chan bool, 1)
	op(func(ok bool) {
		select {
		case result <- ok:
		default:
		}
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d.Tick()
		select {
		case ok := <-result:
			return ok, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		case <-d.mailbox.signal:
		}
	}
}

func (d *Downloader) ContentBuildID() string {
	return d.contentBuildID
}

func (d *Downloader) DeploymentName() string {
	return d.deploymentName
}

// BuildBaseURLs returns the CDN base urls combined with the content build id.
func (d *Downloader) BuildBaseURLs() []string {
	urls := make([]string, 0, len(d.cdnBaseURLs))
	for _, base := range d.cdnBaseURLs {
		urls = append(urls, manifest.ResolveURL(base, d.contentBuildID, ""))
	}
	return urls
}

// Stats returns the current loading mode snapshot.
func (d *Downloader) Stats() pak.Stats {
	return d.stats
}

func (d *Downloader) NumDownloadRequests() int {
	return len(d.queue)
}

// LocalManifest returns the entries the local manifest would be written with right now.
func (d *Downloader) LocalManifest() []pak.Entry {
	return d.localManifestEntries()
}

func (d *Downloader) OnChunkMounted(fn func(chunkID int32, ok bool)) {
	d.observers.chunkMounted = append(d.observers.chunkMounted, fn)
}

func (d *Downloader) OnChunkUnmounted(fn func(chunkID int32, ok bool)) {
	d.observers.chunkUnmounted = append(d.observers.chunkUnmounted, fn)
}

func (d *Downloader) OnDownloadAnalytics(fn func(rec *download.Record)) {
	d.observers.downloadAnalytics = append(d.observers.downloadAnalytics, fn)
}

// localPath is where the bytes of rec live. Record names are bare file names, loadManifest
// drops anything else.
func (d *Downloader) localPath(rec *fileRecord) string {
	if rec.embedded {
		return filepath.Join(d.opts.EmbeddedDir, rec.entry.FileName)
	}
	return filepath.Join(d.cache.Dir(), rec.entry.FileName)
}

// cacheFile is the path of a manifest kept in the cache folder.
func (d *Downloader) cacheFile(name string) string {
	return filepath.Join(d.cache.Dir(), name)
}
