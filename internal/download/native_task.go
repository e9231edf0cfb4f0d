package download

import (
	"context"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/emufetch/emufetch/utils"
)

const (
	speedWindowSize   = 10
	stateSaveInterval = 5 * time.Second
	etaSmoothing      = 0.3
)

func defaultUserAgent() string { return utils.DefaultUserAgent }

type speedSample struct {
	at    time.Time
	bytes uint64
}

// nativeTask is one in-process download. All mutable progress fields are
// guarded by mu; the chunk writers only touch them through addBytes.
type nativeTask struct {
	id          string
	originalURL string
	opts        Options
	client      *http.Client
	store       *stateStore
	mirrorBase  string
	log         zerolog.Logger

	mu          sync.Mutex
	url         string
	status      Status
	errMsg      string
	filename    string
	total       uint64
	downloaded  uint64
	speed       uint64
	samples     []speedSample
	smoothedEta uint64
	hasEta      bool

	paused         atomic.Bool
	cancelOnce     sync.Once
	cancelCh       chan struct{}
	removeOnCancel bool

	done   chan struct{}
	result *Result
	err    error
}

func newNativeTask(id, url string, opts Options, client *http.Client, store *stateStore, mirrorBase string) *nativeTask {
	return &nativeTask{
		id:          id,
		originalURL: url,
		url:         url,
		opts:        opts,
		client:      client,
		store:       store,
		mirrorBase:  mirrorBase,
		log:         utils.GetLogger("native").With().Str("gid", id).Logger(),
		status:      StatusWaiting,
		filename:    opts.Filename,
		cancelCh:    make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (t *nativeTask) currentURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

func (t *nativeTask) setURL(url string) {
	t.mu.Lock()
	t.url = url
	t.mu.Unlock()
}

func (t *nativeTask) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *nativeTask) addBytes(n uint64) {
	t.mu.Lock()
	t.downloaded += n
	t.mu.Unlock()
}

func (t *nativeTask) resetBytes(v uint64) {
	t.mu.Lock()
	t.downloaded = v
	t.samples = nil
	t.speed = 0
	t.hasEta = false
	t.mu.Unlock()
}

// sampleSpeed records one (time, bytes) observation and recomputes speed over
// the sliding window plus the smoothed ETA. The ETA follows an exponential
// moving average except when the raw estimate jumps by more than 2x, where
// the raw value is taken to track the change quickly.
func (t *nativeTask) sampleSpeed(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples = append(t.samples, speedSample{at: now, bytes: t.downloaded})
	if len(t.samples) > speedWindowSize {
		t.samples = t.samples[len(t.samples)-speedWindowSize:]
	}
	if len(t.samples) < 2 {
		return
	}
	first, last := t.samples[0], t.samples[len(t.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 || last.bytes < first.bytes {
		return
	}
	t.speed = uint64(float64(last.bytes-first.bytes) / elapsed)

	if t.total == 0 || t.speed == 0 || t.downloaded >= t.total {
		t.hasEta = false
		return
	}
	raw := (t.total - t.downloaded) / t.speed
	if !t.hasEta || raw > 2*t.smoothedEta || t.smoothedEta > 2*raw {
		t.smoothedEta = raw
	} else {
		t.smoothedEta = uint64(etaSmoothing*float64(raw) + (1-etaSmoothing)*float64(t.smoothedEta))
	}
	t.hasEta = true
}

// snapshot builds a point-in-time Progress. Sentinels apply when the total is
// unknown or no speed estimate exists yet.
func (t *nativeTask) snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := Progress{
		Gid:          t.id,
		Downloaded:   t.downloaded,
		Total:        t.total,
		Speed:        t.speed,
		Filename:     t.filename,
		Status:       t.status,
		ErrorMessage: t.errMsg,
	}
	p.Percentage, p.Eta = deriveProgress(t.downloaded, t.total, t.speed)
	if t.hasEta && p.Eta != EtaUnknown {
		p.Eta = t.smoothedEta
	}
	if t.status == StatusComplete {
		p.Percentage = 100
		p.Eta = 0
		if t.total == 0 {
			p.Total = t.downloaded
		}
	}
	return p
}

func (t *nativeTask) pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return ErrInvalidTransition
	}
	if t.status == StatusPaused {
		return nil
	}
	t.status = StatusPaused
	t.paused.Store(true)
	t.samples = nil
	t.speed = 0
	t.hasEta = false
	return nil
}

func (t *nativeTask) resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return ErrInvalidTransition
	}
	if t.status != StatusPaused {
		return nil
	}
	t.status = StatusActive
	t.paused.Store(false)
	return nil
}

// cancel requests termination. File removal happens in run once the chunk
// writers have stopped, so a writer never races a delete.
func (t *nativeTask) cancel(removeFiles bool) {
	t.mu.Lock()
	t.removeOnCancel = t.removeOnCancel || removeFiles
	t.mu.Unlock()
	t.cancelOnce.Do(func() {
		close(t.cancelCh)
	})
	t.paused.Store(false)
}

func (t *nativeTask) cancelled() bool {
	select {
	case <-t.cancelCh:
		return true
	default:
		return false
	}
}

func (t *nativeTask) finish(result *Result, err error) {
	t.result = result
	t.err = err
	close(t.done)
}

// run drives the whole task: probe, plan chunks, transfer with retries, then
// promote the partial file. It owns the terminal status transition. A pause
// that landed before the runner got scheduled stays in effect.
func (t *nativeTask) run() {
	t.mu.Lock()
	if t.status == StatusWaiting {
		t.status = StatusActive
	}
	t.mu.Unlock()

	result, err := t.execute()
	switch {
	case err == nil:
		t.setStatus(StatusComplete)
		t.log.Info().Str("path", result.Path).Uint64("size", result.Size).Msg("Download complete")
	case t.cancelled():
		t.setStatus(StatusRemoved)
		t.mu.Lock()
		remove := t.removeOnCancel
		filename := t.filename
		t.mu.Unlock()
		if remove && filename != "" {
			t.store.discard(filename)
		}
		err = ErrCancelled
	default:
		t.mu.Lock()
		t.errMsg = err.Error()
		t.mu.Unlock()
		t.setStatus(StatusError)
		t.log.Error().Err(err).Str("url", t.originalURL).Msg("Download failed")
	}
	t.finish(result, err)
}

func (t *nativeTask) execute() (*Result, error) {
	if err := os.MkdirAll(t.store.saveDir, 0755); err != nil {
		return nil, IOErrorf("creating save directory: %v", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if t.cancelled() {
			return nil, ErrCancelled
		}
		if attempt > 0 {
			t.log.Warn().Err(lastErr).Int("attempt", attempt).Msg("Retrying download")
			if t.opts.UseMirror && t.mirrorBase != "" {
				// alternate between direct and mirrored URL across attempts
				if t.currentURL() == t.originalURL {
					t.setURL(mirrorURL(t.originalURL, t.mirrorBase))
				} else {
					t.setURL(t.originalURL)
				}
			}
			select {
			case <-t.cancelCh:
				return nil, ErrCancelled
			case <-time.After(retryBackoff(attempt - 1)):
			}
		}
		result, err := t.attempt()
		if err == nil {
			return result, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// attempt performs one full transfer try against the current URL.
func (t *nativeTask) attempt() (*Result, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-t.cancelCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	probe, err := probeRange(ctx, t.client, t.currentURL(), t.opts)
	if err != nil {
		return nil, err
	}
	if probe.finalURL != "" {
		t.setURL(probe.finalURL)
	}

	filename := resolveFilename(probe.header, t.originalURL, t.opts.Filename)
	t.mu.Lock()
	t.filename = filename
	t.total = probe.total
	t.mu.Unlock()

	finalPath := t.store.finalPath(filename)
	if info, statErr := os.Stat(finalPath); statErr == nil && !t.opts.Overwrite {
		if probe.total != 0 && uint64(info.Size()) == probe.total {
			t.log.Info().Str("path", finalPath).Msg("File already downloaded, skipping")
			t.resetBytes(probe.total)
			return &Result{Path: finalPath, Filename: filename, Size: probe.total, Gid: t.id}, nil
		}
	}

	state := t.planChunks(filename, probe)
	t.resetBytes(state.downloadedBytes())

	file, err := t.openPartFile(filename, probe.total)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	stopSampling := t.startSampling()
	defer stopSampling()
	stopSaving := t.startStateSaver(state)

	err = t.transfer(ctx, state, probe.supported, file)
	stopSaving()
	if err != nil {
		// keep resume state; run discards it when the cancel asked for removal
		t.store.save(state)
		return nil, err
	}
	if syncErr := file.Sync(); syncErr != nil {
		return nil, IOErrorf("syncing %s: %v", filename, syncErr)
	}
	file.Close()

	if err := os.Rename(t.store.partPath(filename), finalPath); err != nil {
		return nil, IOErrorf("promoting %s: %v", filename, err)
	}
	t.store.clear(filename)

	t.mu.Lock()
	size := t.downloaded
	t.mu.Unlock()
	return &Result{Path: finalPath, Filename: filename, Size: size, Gid: t.id}, nil
}

// planChunks reuses saved resume state when it still matches the remote file,
// otherwise computes a fresh chunk layout.
func (t *nativeTask) planChunks(filename string, probe rangeSupport) *downloadState {
	if saved := t.store.load(filename); saved != nil {
		if saved.matches(t.currentURL(), probe) {
			if _, err := os.Stat(t.store.partPath(filename)); err == nil {
				t.log.Debug().Str("file", filename).Uint64("resumed", saved.downloadedBytes()).Msg("Resuming from saved state")
				return saved
			}
		}
		t.store.discard(filename)
	}

	minSplit, err := ParseSize(t.opts.MinSplitSize)
	if err != nil || minSplit == 0 {
		minSplit, _ = ParseSize(DefaultOptions().MinSplitSize)
	}
	split := t.opts.Split
	if split < 1 {
		split = DefaultOptions().Split
	}
	return &downloadState{
		URL:           t.currentURL(),
		Filename:      filename,
		TotalSize:     probe.total,
		SupportsRange: probe.supported,
		ETag:          probe.etag,
		LastModified:  probe.lastModified,
		Chunks:        calculateChunks(probe.total, probe.supported, split, minSplit),
	}
}

func (t *nativeTask) openPartFile(filename string, total uint64) (*os.File, error) {
	path := t.store.partPath(filename)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, IOErrorf("opening %s: %v", path, err)
	}
	if total > 0 {
		if err := file.Truncate(int64(total)); err != nil {
			file.Close()
			return nil, IOErrorf("preallocating %s: %v", path, err)
		}
	}
	return file, nil
}

// transfer runs the chunk writers. Multiple ranges go concurrently; a single
// chunk (no range support or unknown length) streams sequentially.
func (t *nativeTask) transfer(ctx context.Context, state *downloadState, supportsRange bool, file *os.File) error {
	if len(state.Chunks) == 1 {
		return t.downloadSingle(ctx, state, &state.Chunks[0], supportsRange, file)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var once sync.Once
	var firstErr error
	for i := range state.Chunks {
		chunk := &state.Chunks[i]
		if chunk.Completed {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t.downloadChunk(ctx, state, chunk, file); err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// startSampling runs the 500ms speed sampler; the returned func stops it.
func (t *nativeTask) startSampling() func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				if !t.paused.Load() {
					t.sampleSpeed(now)
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// startStateSaver persists resume state every few seconds while the transfer
// runs; the returned func stops it and writes one last snapshot.
func (t *nativeTask) startStateSaver(state *downloadState) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(stateSaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := t.store.save(state); err != nil {
					t.log.Debug().Err(err).Msg("Periodic state save failed")
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}
