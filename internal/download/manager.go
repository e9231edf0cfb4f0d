package download

import (
	"context"
	"sync"

	"github.com/emufetch/emufetch/utils"
)

// ProgressCallback receives sampled progress updates. It must not block the
// reporter; slow consumers should hand off to their own queue.
type ProgressCallback func(Progress)

// Manager is the polymorphic download front. Both the aria2 backend and the
// native backend satisfy it; callers depend only on this contract.
type Manager interface {
	// Start brings the backend to a ready state. Idempotent.
	Start(ctx context.Context) error
	// Stop shuts the backend down. In-flight tasks are left paused on disk,
	// never deleted.
	Stop(ctx context.Context) error
	// Download registers a task and returns its gid immediately.
	Download(ctx context.Context, url string, options Options) (string, error)
	// DownloadAndWait registers a task, feeds onProgress until the task is
	// terminal, then returns the result. Cancelling ctx cancels the task.
	DownloadAndWait(ctx context.Context, url string, options Options, onProgress ProgressCallback) (*Result, error)
	Pause(ctx context.Context, gid string) error
	Resume(ctx context.Context, gid string) error
	// Cancel removes the task and deletes its partial data and bookkeeping
	// files.
	Cancel(ctx context.Context, gid string) error
	// CancelAll stops every active task. With removeFiles it also deletes
	// partial data and resume state. Returns the single canonical in-flight
	// path when exactly one existed.
	CancelAll(ctx context.Context, removeFiles bool) (string, error)
	GetDownloadProgress(ctx context.Context, gid string) (Progress, error)
	IsStarted() bool
}

// Backend selects which engine a Router resolves to.
type Backend int

const (
	BackendAuto Backend = iota
	BackendAria2
	BackendNative
)

func (b Backend) String() string {
	switch b {
	case BackendAria2:
		return "aria2"
	case BackendNative:
		return "rust"
	}
	return "auto"
}

// ParseBackend maps a selector string to a Backend. Unrecognized or empty
// strings map to BackendAuto.
func ParseBackend(s string) Backend {
	switch s {
	case "aria2":
		return BackendAria2
	case "rust":
		return BackendNative
	}
	return BackendAuto
}

// RouterConfig carries the knobs the router hands to whichever backend it
// resolves.
type RouterConfig struct {
	// Aria2Binary is the aria2c executable; probed on PATH when empty.
	Aria2Binary string
	// SaveDir is the default destination directory for tasks that do not set
	// Options.SaveDir.
	SaveDir string
	// MirrorBase rewrites GitHub URLs when Options.UseMirror is set.
	MirrorBase string
}

// Router resolves a backend selector to a concrete Manager once, at Start,
// and delegates everything afterwards. The Auto fallback decision is never
// re-evaluated per task.
type Router struct {
	selector Backend
	cfg      RouterConfig

	mu     sync.Mutex
	active Manager
}

func NewRouter(selector Backend, cfg RouterConfig) *Router {
	return &Router{selector: selector, cfg: cfg}
}

func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		// backend already resolved; restart it if it was stopped
		return r.active.Start(ctx)
	}
	log := utils.GetLogger("download")

	switch r.selector {
	case BackendAria2:
		backend := NewAria2Backend(r.cfg)
		if err := backend.Start(ctx); err != nil {
			return err
		}
		r.active = backend
	case BackendNative:
		backend := NewNativeDownloader(r.cfg)
		if err := backend.Start(ctx); err != nil {
			return err
		}
		r.active = backend
	default:
		aria2 := NewAria2Backend(r.cfg)
		if err := aria2.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("aria2 unavailable, falling back to native downloader")
			native := NewNativeDownloader(r.cfg)
			if err := native.Start(ctx); err != nil {
				return err
			}
			r.active = native
		} else {
			log.Info().Msg("using aria2 backend")
			r.active = aria2
		}
	}
	return nil
}

func (r *Router) backend() (Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil, ErrBackendNotStarted
	}
	return r.active, nil
}

func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	if active == nil {
		return nil
	}
	return active.Stop(ctx)
}

func (r *Router) Download(ctx context.Context, url string, options Options) (string, error) {
	backend, err := r.backend()
	if err != nil {
		return "", err
	}
	return backend.Download(ctx, url, options)
}

func (r *Router) DownloadAndWait(ctx context.Context, url string, options Options, onProgress ProgressCallback) (*Result, error) {
	backend, err := r.backend()
	if err != nil {
		return nil, err
	}
	return backend.DownloadAndWait(ctx, url, options, onProgress)
}

func (r *Router) Pause(ctx context.Context, gid string) error {
	backend, err := r.backend()
	if err != nil {
		return err
	}
	return backend.Pause(ctx, gid)
}

func (r *Router) Resume(ctx context.Context, gid string) error {
	backend, err := r.backend()
	if err != nil {
		return err
	}
	return backend.Resume(ctx, gid)
}

func (r *Router) Cancel(ctx context.Context, gid string) error {
	backend, err := r.backend()
	if err != nil {
		return err
	}
	return backend.Cancel(ctx, gid)
}

func (r *Router) CancelAll(ctx context.Context, removeFiles bool) (string, error) {
	backend, err := r.backend()
	if err != nil {
		return "", err
	}
	return backend.CancelAll(ctx, removeFiles)
}

func (r *Router) GetDownloadProgress(ctx context.Context, gid string) (Progress, error) {
	backend, err := r.backend()
	if err != nil {
		return Progress{}, err
	}
	return backend.GetDownloadProgress(ctx, gid)
}

func (r *Router) IsStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil && r.active.IsStarted()
}
