package pak

import (
	"context"
	"path/filepath"
	"strings"
	"time"
)

// NoChunk is the chunk id of an entry that is not assigned to any chunk (local manifest entries).
const NoChunk int32 = -1

// Entry is a single record of a manifest. It is immutable once parsed, a new manifest
// generation supersedes it with a new value instead of mutating it.
type Entry struct {
	FileName    string
	FileSize    uint64
	FileVersion string
	ChunkID     int32
	RelativeURL string
}

// HasChunk reports whether the entry carries chunk assignment and url fields.
func (e Entry) HasChunk() bool {
	return e.ChunkID >= 0
}

// ValidFileName reports whether name is a bare file name. Archive names come from remote manifests
// and are joined to local folders, so separators and dot segments are rejected.
func ValidFileName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	return filepath.Base(name) == name
}

// ChunkStatus is the externally visible state of a chunk.
type ChunkStatus int

const (
	StatusUnknown ChunkStatus = iota
	StatusRemote
	StatusPartial
	StatusDownloading
	StatusCached
	StatusMounted
)

func (s ChunkStatus) String() string {
	switch s {
	case StatusRemote:
		return "Remote"
	case StatusPartial:
		return "Partial"
	case StatusDownloading:
		return "Downloading"
	case StatusCached:
		return "Cached"
	case StatusMounted:
		return "Mounted"
	default:
		return "Unknown"
	}
}

// Stats is the loading mode snapshot polled by the UI.
type Stats struct {
	FilesDownloaded      int
	TotalFilesToDownload int
	BytesDownloaded      uint64
	TotalBytesToDownload uint64
	ChunksMounted        int
	TotalChunksToMount   int
	LoadingStartTime     time.Time
	LastError            string
}

// Done reports whether all known work accounted in the snapshot has completed.
func (s *Stats) Done() bool {
	return s.FilesDownloaded >= s.TotalFilesToDownload && s.ChunksMounted >= s.TotalChunksToMount
}

// Callback receives the outcome of an asynchronous operation.
// Callbacks are always invoked on the goroutine that drives the downloader.
type Callback func(ok bool)

// MountHandle is an archive attached to the namespace by a MountBackend.
type MountHandle interface {
	// MountPoint returns the physical mount point path stored in the archive, e.g. "../../../Project/Content/Maps/".
	MountPoint() string

	// Files returns the paths of the files stored in the archive, relative to the mount point.
	Files() []string
}

// MountBackend attaches archive files to the runtime namespace.
// Mount and Unmount are called from background goroutines, implementations must be safe for concurrent use.
type MountBackend interface {
	// Mount attaches the archive at path. Archives with a higher readOrder take precedence over
	// archives with a lower one. It returns nil if the archive could not be mounted.
	Mount(path string, readOrder uint32) MountHandle

	// Unmount detaches a previously mounted archive. It returns false if the archive was not mounted.
	Unmount(path string) bool
}

// Collector is optionally implemented by a MountBackend that keeps released handles alive until
// an explicit collection pass.
type Collector interface {
	CollectGarbage()
}

// Registrar maps root paths to physical mount points in the runtime namespace.
// Its methods are called from background goroutines, implementations must be safe for concurrent use.
type Registrar interface {
	// RegisterMountPoint makes the content under physicalPath visible under root.
	RegisterMountPoint(root string, physicalPath string)

	// UnregisterMountPoint removes a mapping added by RegisterMountPoint.
	UnregisterMountPoint(root string, physicalPath string)

	// IsRegistered reports whether physicalPath is already covered by a registered root.
	IsRegistered(physicalPath string) bool
}

// ContentIndex makes mounted files queryable.
type ContentIndex interface {
	// ScanPaths registers the given virtual paths. It returns the number of paths that were newly indexed.
	ScanPaths(paths []string) int
}

// Transport streams a remote file into destPath, resuming from the bytes already there.
// onProgress receives the total number of bytes on disk, including resumed ones.
// onProgress and onComplete are invoked from transport goroutines. onComplete is invoked exactly
// once unless the download was cancelled, in which case it may not be invoked at all.
// Failed attempts are retried by the transport according to its own policy, onComplete reports the final outcome.
type Transport interface {
	StartDownload(url string, destPath string, onProgress func(bytesOnDisk uint64), onComplete func(result TransferResult)) (cancel func())
}

// TransferResult describes a finished transfer.
type TransferResult struct {
	HTTPStatus    int
	BytesReceived uint64
	Duration      time.Duration
	Err           error
}

// OK reports whether the transfer has completed successfully.
func (r TransferResult) OK() bool {
	return r.Err == nil && r.HTTPStatus >= 200 && r.HTTPStatus < 300
}

// Fetcher performs a single attempt to retrieve a small remote document such as a build manifest.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}
