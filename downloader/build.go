package downloader

import (
	"context"
	"fmt"
	"time"

	"pakpatch/datamodel/pak"
	"pakpatch/manifest"

	log "github.com/sirupsen/logrus"
)

const (
	manifestRetryStep     = 5 * time.Second
	manifestRetryMaxDelay = 60 * time.Second
)

// buildUpdate is an UpdateBuild call in flight. There is at most one.
type buildUpdate struct {
	buildID  string
	callback pak.Callback
	ctx      context.Context
	cancel   context.CancelFunc
}

// manifestRetryDelay grows linearly with the attempt number and is capped.
func manifestRetryDelay(try int) time.Duration {
	delay := time.Duration(try) * manifestRetryStep
	if delay > manifestRetryMaxDelay {
		delay = manifestRetryMaxDelay
	}
	return delay
}

// UpdateBuild switches to a content build. The build manifest is taken from the cache if its
// BUILD_ID matches, otherwise it is fetched from the CDN, retrying until it succeeds or the
// downloader is finalized. Requesting the current build again succeeds without any work.
func (d *Downloader) UpdateBuild(deployment string, buildID string, preloadCached bool, cb pak.Callback) {
	if !d.initialized {
		log.Error(ErrNotInitialized)
		d.executeNextTick(cb, false)
		return
	}

	if buildID == d.contentBuildID && deployment == d.deploymentName {
		d.executeNextTick(cb, true)
		return
	}

	if d.update != nil {
		log.Errorf("UpdateBuild(%s, %s): %v", deployment, buildID, ErrUpdateInProgress)
		d.executeNextTick(cb, false)
		return
	}

	if preloadCached {
		d.LoadCachedBuild(deployment)
	}

	d.setContentBuildID(deployment, buildID)

	ctx, cancel := context.WithCancel(context.Background())
	d.update = &buildUpdate{buildID: buildID, callback: cb, ctx: ctx, cancel: cancel}

	d.tryLoadBuildManifest(0)
}

// LoadCachedBuild reconciles against the cached build manifest, if there is one with a build id.
// It is refused while a build update is in flight.
func (d *Downloader) LoadCachedBuild(deployment string) bool {
	if !d.initialized {
		return false
	}
	if d.update != nil {
		log.Warnf("LoadCachedBuild(%s): %v", deployment, ErrUpdateInProgress)
		return false
	}

	entries, props, err := manifest.ParseFile(d.cacheFile(manifest.CachedBuildManifestFile))
	if err != nil {
		log.Warnf("Ignoring cached build manifest: %v", err)
		return false
	}

	buildID := props[manifest.KeyBuildID]
	if buildID == "" {
		return false
	}

	d.setContentBuildID(deployment, buildID)
	d.loadManifest(entries)
	return true
}

func (d *Downloader) setContentBuildID(deployment string, buildID string) {
	d.deploymentName = deployment
	d.contentBuildID = buildID
	d.activeBaseURL = 0

	d.cdnBaseURLs = nil
	if d.opts.CdnBaseURLs != nil {
		d.cdnBaseURLs = d.opts.CdnBaseURLs(deployment)
	}
	if len(d.cdnBaseURLs) == 0 {
		log.Warnf("No CDN base urls configured for deployment %q, only embedded archives are available", deployment)
	}

	log.Infof("Deployment = %s, ContentBuildID = %s", deployment, buildID)
	for i, u := range d.BuildBaseURLs() {
		log.Debugf("ContentBaseURL[%d] = %s", i, u)
	}
}

func (d *Downloader) finishUpdate(ok bool) {
	u := d.update
	if u == nil {
		return
	}
	d.update = nil
	u.cancel()
	d.executeNextTick(u.callback, ok)
}

func (d *Downloader) tryLoadBuildManifest(try int) {
	entries, props, err := manifest.ParseFile(d.cacheFile(manifest.CachedBuildManifestFile))
	if err != nil {
		log.Warnf("Cached build manifest is unusable: %v", err)
	}

	if err == nil && props[manifest.KeyBuildID] == d.contentBuildID {
		d.loadManifest(entries)
		d.finishUpdate(true)
		return
	}

	if len(d.cdnBaseURLs) == 0 || d.deps.Fetcher == nil {
		log.Error("Unable to download build manifest, no CDN configured")
		d.stats.LastError = "Unable to download build manifest (no CDN)"
		d.finishUpdate(false)
		return
	}

	if try <= 0 {
		d.tryDownloadBuildManifest(try)
		return
	}

	delay := manifestRetryDelay(try)
	log.Infof("Will re-attempt build manifest download in %v", delay)

	u := d.update
	d.after(delay, func() {
		if d.update == u {
			d.tryDownloadBuildManifest(try)
		}
	})
}

func (d *Downloader) tryDownloadBuildManifest(try int) {
	if len(d.cdnBaseURLs) == 0 {
		log.Error("Unable to download build manifest, no CDN configured")
		d.stats.LastError = "Unable to download build manifest (no CDN)"
		d.finishUpdate(false)
		return
	}

	u := d.update
	url := manifest.BuildManifestURL(d.cdnBaseURLs[try%len(d.cdnBaseURLs)], u.buildID, d.opts.Platform)

	log.Infof("Downloading build manifest (attempt #%d) from %s", try+1, url)

	fetcher := d.deps.Fetcher
	go func() {
		body, err := fetcher.Fetch(u.ctx, url)
		d.mailbox.post(func() {
			d.onBuildManifestFetched(u, try, body, err)
		})
	}()
}

func (d *Downloader) onBuildManifestFetched(u *buildUpdate, try int, body []byte, err error) {
	if d.update != u {
		log.Debug("Dropping build manifest of a cancelled update")
		return
	}

	lastError := ""
	if err != nil {
		log.Errorf("Build manifest download failed: %v", err)
		lastError = fmt.Sprintf("[Try %d] Manifest download failed: %v", try, err)
	} else if entries, props, perr := manifest.Parse(body); perr != nil {
		log.Errorf("Downloaded build manifest is corrupt: %v", perr)
		lastError = fmt.Sprintf("[Try %d] Manifest is corrupt", try)
	} else {
		props[manifest.KeyBuildID] = u.buildID
		if werr := manifest.WriteFile(d.cacheFile(manifest.CachedBuildManifestFile), entries, props); werr != nil {
			log.Errorf("Failed to write cached build manifest: %v", werr)
			lastError = fmt.Sprintf("[Try %d] Failed to write manifest", try)
		} else if len(d.cdnBaseURLs) > 0 {
			d.activeBaseURL = try % len(d.cdnBaseURLs)
		}
	}

	d.stats.LastError = lastError
	d.tryLoadBuildManifest(try + 1)
}
