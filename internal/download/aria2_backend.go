package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/emufetch/emufetch/utils"
)

// Aria2Backend drives an external aria2c daemon over its RPC interface. The
// daemon owns the transfers; this adapter owns the daemon's lifecycle and
// translates its status shapes onto the Manager contract.
type Aria2Backend struct {
	cfg RouterConfig
	log zerolog.Logger

	mu     sync.Mutex
	proc   *aria2Process
	client *aria2Client
}

func NewAria2Backend(cfg RouterConfig) *Aria2Backend {
	if cfg.MirrorBase == "" {
		cfg.MirrorBase = DefaultMirrorBase
	}
	return &Aria2Backend{
		cfg: cfg,
		log: utils.GetLogger("aria2"),
	}
}

func (b *Aria2Backend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.proc != nil {
		return nil
	}

	binary, err := findAria2Binary(b.cfg.Aria2Binary)
	if err != nil {
		return err
	}
	proc, err := spawnAria2(binary)
	if err != nil {
		return err
	}
	client := newAria2Client(proc.port, proc.secret)
	if err := proc.waitReady(ctx, client); err != nil {
		proc.kill()
		return err
	}

	b.proc = proc
	b.client = client
	b.log.Info().Str("binary", binary).Int("port", proc.port).Msg("aria2 backend ready")
	return nil
}

// Stop shuts the daemon down gracefully. Incomplete transfers keep their
// .aria2 control files on disk so a later session resumes them.
func (b *Aria2Backend) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.proc == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.client.shutdown(shutdownCtx); err != nil {
		b.log.Warn().Err(err).Msg("Graceful shutdown failed, killing daemon")
		b.proc.kill()
	} else {
		b.proc.cmd.Wait()
	}
	b.proc = nil
	b.client = nil
	return nil
}

func (b *Aria2Backend) IsStarted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.proc != nil
}

func (b *Aria2Backend) rpc() (*aria2Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, ErrBackendNotStarted
	}
	return b.client, nil
}

// rpcOptions translates task options into aria2 input-file options.
func (b *Aria2Backend) rpcOptions(options Options) map[string]any {
	saveDir := options.SaveDir
	if saveDir == "" {
		saveDir = b.cfg.SaveDir
	}
	rpcOpts := map[string]any{
		"dir":      saveDir,
		"continue": "true",
	}
	if options.Filename != "" {
		rpcOpts["out"] = options.Filename
	}
	if options.Split > 0 {
		rpcOpts["split"] = strconv.Itoa(options.Split)
	}
	if options.MaxConnPerServer > 0 {
		rpcOpts["max-connection-per-server"] = strconv.Itoa(options.MaxConnPerServer)
	}
	if options.MinSplitSize != "" {
		rpcOpts["min-split-size"] = options.MinSplitSize
	}
	ua := options.UserAgent
	if ua == "" {
		ua = utils.DefaultUserAgent
	}
	rpcOpts["user-agent"] = ua
	if len(options.Headers) > 0 {
		headers := make([]string, 0, len(options.Headers))
		for k, v := range options.Headers {
			headers = append(headers, fmt.Sprintf("%s: %s", k, v))
		}
		rpcOpts["header"] = headers
	}
	if options.Overwrite {
		rpcOpts["allow-overwrite"] = "true"
	}
	return rpcOpts
}

func (b *Aria2Backend) Download(ctx context.Context, rawURL string, options Options) (string, error) {
	if err := validateURL(rawURL); err != nil {
		return "", err
	}
	client, err := b.rpc()
	if err != nil {
		return "", err
	}

	uris := []string{rawURL}
	if options.UseMirror {
		if mirrored := mirrorURL(rawURL, b.cfg.MirrorBase); mirrored != rawURL {
			uris = []string{mirrored, rawURL}
		}
	}
	gid, err := client.addURI(ctx, uris, b.rpcOptions(options))
	if err != nil {
		return "", err
	}
	b.log.Debug().Str("gid", gid).Str("url", rawURL).Msg("Download registered")
	return gid, nil
}

func (b *Aria2Backend) DownloadAndWait(ctx context.Context, rawURL string, options Options, onProgress ProgressCallback) (*Result, error) {
	gid, err := b.Download(ctx, rawURL, options)
	if err != nil {
		return nil, err
	}
	client, err := b.rpc()
	if err != nil {
		return nil, err
	}

	reportProgress(ctx, func() (Progress, error) {
		return b.GetDownloadProgress(ctx, gid)
	}, onProgress)

	if ctx.Err() != nil {
		b.Cancel(context.Background(), gid)
		return nil, ErrCancelled
	}

	status, err := client.tellStatus(ctx, gid)
	if err != nil {
		return nil, err
	}
	switch ParseStatus(status.Status) {
	case StatusComplete:
		path := status.filePath()
		return &Result{
			Path:     path,
			Filename: filepath.Base(path),
			Size:     status.completed(),
			Gid:      gid,
		}, nil
	case StatusRemoved:
		return nil, ErrCancelled
	default:
		if status.ErrorMessage != "" {
			return nil, NetworkErrorf("%s", status.ErrorMessage)
		}
		return nil, NetworkErrorf("download %s failed", gid)
	}
}

// Pause is a no-op when the task is already paused; terminal tasks cannot
// transition. The daemon itself rejects pausing a paused gid, so the status
// is checked first instead of bouncing its error back to the caller.
func (b *Aria2Backend) Pause(ctx context.Context, gid string) error {
	client, err := b.rpc()
	if err != nil {
		return err
	}
	status, err := client.tellStatus(ctx, gid)
	if err != nil {
		return err
	}
	switch st := ParseStatus(status.Status); {
	case st == StatusPaused:
		return nil
	case st.Terminal():
		return ErrInvalidTransition
	}
	return client.pause(ctx, gid)
}

// Resume mirrors Pause: a no-op for tasks that are already running.
func (b *Aria2Backend) Resume(ctx context.Context, gid string) error {
	client, err := b.rpc()
	if err != nil {
		return err
	}
	status, err := client.tellStatus(ctx, gid)
	if err != nil {
		return err
	}
	switch st := ParseStatus(status.Status); {
	case st == StatusActive || st == StatusWaiting:
		return nil
	case st.Terminal():
		return ErrInvalidTransition
	}
	return client.unpause(ctx, gid)
}

// Cancel removes the task from the daemon and deletes its partial file plus
// the .aria2 control file.
func (b *Aria2Backend) Cancel(ctx context.Context, gid string) error {
	client, err := b.rpc()
	if err != nil {
		return err
	}
	status, err := client.tellStatus(ctx, gid)
	if err != nil {
		return err
	}
	if ParseStatus(status.Status).Terminal() {
		return ErrInvalidTransition
	}
	b.removeTask(ctx, client, &status, true)
	return nil
}

// CancelAll stops every live task the daemon knows about. With removeFiles
// the partial data is deleted too. Returns the single in-flight path when
// exactly one task was live.
func (b *Aria2Backend) CancelAll(ctx context.Context, removeFiles bool) (string, error) {
	client, err := b.rpc()
	if err != nil {
		return "", err
	}

	active, err := client.tellActive(ctx)
	if err != nil {
		return "", err
	}
	waiting, err := client.tellWaiting(ctx)
	if err != nil {
		return "", err
	}

	live := append(active, waiting...)
	var inFlight []string
	for i := range live {
		if path := live[i].filePath(); path != "" {
			inFlight = append(inFlight, path)
		}
		b.removeTask(ctx, client, &live[i], removeFiles)
	}
	client.purgeDownloadResult(ctx)

	if len(inFlight) == 1 {
		return inFlight[0], nil
	}
	return "", nil
}

// removeTask drops one task from the daemon and optionally its on-disk
// remains. Daemon-side removal is asynchronous, so the file delete waits
// until the gid reports a terminal status and its writer has let go.
func (b *Aria2Backend) removeTask(ctx context.Context, client *aria2Client, status *aria2Status, removeFiles bool) {
	st := ParseStatus(status.Status)
	if !st.Terminal() {
		if err := client.remove(ctx, status.Gid); err != nil && !errors.Is(err, ErrTaskNotFound) {
			b.log.Warn().Err(err).Str("gid", status.Gid).Msg("Removing task from daemon failed")
		}
		b.waitTaskGone(ctx, client, status.Gid)
	}
	client.removeDownloadResult(ctx, status.Gid)

	if !removeFiles {
		return
	}
	if path := status.filePath(); path != "" && st != StatusComplete {
		os.Remove(path)
		os.Remove(path + ".aria2")
	}
}

// waitTaskGone polls until the daemon reports the gid terminal (or unknown),
// bounded so a wedged daemon cannot stall cancellation forever.
func (b *Aria2Backend) waitTaskGone(ctx context.Context, client *aria2Client, gid string) {
	for i := 0; i < 25; i++ {
		status, err := client.tellStatus(ctx, gid)
		if err != nil || ParseStatus(status.Status).Terminal() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
	b.log.Warn().Str("gid", gid).Msg("Daemon never confirmed task removal")
}

func (b *Aria2Backend) GetDownloadProgress(ctx context.Context, gid string) (Progress, error) {
	client, err := b.rpc()
	if err != nil {
		return Progress{}, err
	}
	status, err := client.tellStatus(ctx, gid)
	if err != nil {
		return Progress{}, err
	}

	p := Progress{
		Gid:          gid,
		Downloaded:   status.completed(),
		Total:        status.total(),
		Speed:        status.speed(),
		Filename:     filepath.Base(status.filePath()),
		Status:       ParseStatus(status.Status),
		ErrorMessage: status.ErrorMessage,
	}
	if p.Filename == "." {
		p.Filename = ""
	}
	p.Percentage, p.Eta = deriveProgress(p.Downloaded, p.Total, p.Speed)
	if p.Status == StatusComplete {
		p.Percentage = 100
		p.Eta = 0
	}
	return p, nil
}
