package download

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/emufetch/emufetch/utils"
)

// NativeDownloader is the in-process backend: multi-connection range
// downloads over net/http, no external dependencies at runtime.
type NativeDownloader struct {
	cfg RouterConfig
	log zerolog.Logger

	mu      sync.RWMutex
	started bool
	tasks   map[string]*nativeTask
	client  *http.Client
}

func NewNativeDownloader(cfg RouterConfig) *NativeDownloader {
	if cfg.MirrorBase == "" {
		cfg.MirrorBase = DefaultMirrorBase
	}
	return &NativeDownloader{
		cfg:   cfg,
		log:   utils.GetLogger("native"),
		tasks: make(map[string]*nativeTask),
	}
}

func (d *NativeDownloader) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	if d.client == nil {
		d.client = utils.CreateHTTPClient(0, 90*time.Second, "")
	}
	d.started = true
	d.log.Debug().Msg("Native downloader started")
	return nil
}

// Stop pauses every non-terminal task, keeping partial files and resume state
// on disk, then marks the backend stopped.
func (d *NativeDownloader) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	for _, task := range d.tasks {
		task.pause()
	}
	d.started = false
	d.log.Debug().Msg("Native downloader stopped")
	return nil
}

func (d *NativeDownloader) IsStarted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.started
}

// newGid derives a 16-character task id from a random UUID.
func newGid() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return ErrInvalidURL
	}
	return nil
}

func (d *NativeDownloader) Download(ctx context.Context, rawURL string, options Options) (string, error) {
	if err := validateURL(rawURL); err != nil {
		return "", err
	}

	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return "", ErrBackendNotStarted
	}
	saveDir := options.SaveDir
	if saveDir == "" {
		saveDir = d.cfg.SaveDir
	}
	gid := newGid()
	task := newNativeTask(gid, rawURL, options, d.client, &stateStore{saveDir: saveDir}, d.cfg.MirrorBase)
	d.tasks[gid] = task
	d.mu.Unlock()

	go task.run()
	d.log.Debug().Str("gid", gid).Str("url", rawURL).Msg("Download registered")
	return gid, nil
}

func (d *NativeDownloader) DownloadAndWait(ctx context.Context, rawURL string, options Options, onProgress ProgressCallback) (*Result, error) {
	gid, err := d.Download(ctx, rawURL, options)
	if err != nil {
		return nil, err
	}
	task, err := d.task(gid)
	if err != nil {
		return nil, err
	}

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			task.cancel(true)
		case <-watchDone:
		}
	}()

	reportProgress(ctx, func() (Progress, error) { return task.snapshot(), nil }, onProgress)
	<-task.done
	close(watchDone)

	if task.err != nil {
		return nil, task.err
	}
	return task.result, nil
}

func (d *NativeDownloader) task(gid string) (*nativeTask, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	task, ok := d.tasks[gid]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

func (d *NativeDownloader) Pause(ctx context.Context, gid string) error {
	task, err := d.task(gid)
	if err != nil {
		return err
	}
	return task.pause()
}

func (d *NativeDownloader) Resume(ctx context.Context, gid string) error {
	task, err := d.task(gid)
	if err != nil {
		return err
	}
	return task.resume()
}

// Cancel aborts the task, removes its partial data, and drops it from the
// registry so subsequent lookups report TaskNotFound.
func (d *NativeDownloader) Cancel(ctx context.Context, gid string) error {
	task, err := d.task(gid)
	if err != nil {
		return err
	}
	if task.snapshot().Status.Terminal() {
		return ErrInvalidTransition
	}
	d.cancelTask(task, true)
	d.mu.Lock()
	delete(d.tasks, gid)
	d.mu.Unlock()
	return nil
}

// CancelAll aborts every task. With removeFiles the partial data and resume
// state are deleted as well. When exactly one task was still in flight, its
// partial path is returned so callers can report what was removed.
func (d *NativeDownloader) CancelAll(ctx context.Context, removeFiles bool) (string, error) {
	d.mu.Lock()
	tasks := make([]*nativeTask, 0, len(d.tasks))
	for _, task := range d.tasks {
		tasks = append(tasks, task)
	}
	d.tasks = make(map[string]*nativeTask)
	d.mu.Unlock()

	var inFlight []string
	for _, task := range tasks {
		snap := task.snapshot()
		if !snap.Status.Terminal() && snap.Filename != "" {
			inFlight = append(inFlight, task.store.partPath(snap.Filename))
		}
		d.cancelTask(task, removeFiles)
	}
	if len(inFlight) == 1 {
		return inFlight[0], nil
	}
	return "", nil
}

// cancelTask requests cancellation and waits for the runner to exit so file
// cleanup is complete before returning. Tasks that never started running
// still need their sidecars removed here.
func (d *NativeDownloader) cancelTask(task *nativeTask, removeFiles bool) {
	snap := task.snapshot()
	task.cancel(removeFiles)
	if !snap.Status.Terminal() {
		select {
		case <-task.done:
		case <-time.After(10 * time.Second):
			d.log.Warn().Str("gid", task.id).Msg("Timed out waiting for task shutdown")
		}
	}
	if removeFiles && snap.Status.Terminal() && snap.Status != StatusComplete && snap.Filename != "" {
		task.store.discard(snap.Filename)
	}
}

func (d *NativeDownloader) GetDownloadProgress(ctx context.Context, gid string) (Progress, error) {
	task, err := d.task(gid)
	if err != nil {
		return Progress{}, err
	}
	return task.snapshot(), nil
}
