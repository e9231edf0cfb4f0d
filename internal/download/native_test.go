package download

import (
	"bytes"
	"context"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	o := DefaultOptions()
	o.UseMirror = false
	o.MinSplitSize = "1K"
	return o
}

func startedNative(t *testing.T, saveDir string) *NativeDownloader {
	t.Helper()
	d := NewNativeDownloader(RouterConfig{SaveDir: saveDir})
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { d.Stop(context.Background()) })
	return d
}

func rangedServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "asset.bin", time.Now(), bytes.NewReader(payload))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNativeRequiresStart(t *testing.T) {
	d := NewNativeDownloader(RouterConfig{SaveDir: t.TempDir()})
	_, err := d.Download(context.Background(), "https://example.com/f.bin", testOptions())
	assert.ErrorIs(t, err, ErrBackendNotStarted)
}

func TestNativeRejectsInvalidURL(t *testing.T) {
	d := startedNative(t, t.TempDir())
	_, err := d.Download(context.Background(), "not-a-url", testOptions())
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestNativeMultiConnectionDownload(t *testing.T) {
	payload := make([]byte, 8*1024+13)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	saveDir := t.TempDir()
	srv := rangedServer(t, payload)
	d := startedNative(t, saveDir)

	var updates []Progress
	result, err := d.DownloadAndWait(context.Background(), srv.URL+"/asset.bin", testOptions(), func(p Progress) {
		updates = append(updates, p)
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "asset.bin", result.Filename)
	assert.Equal(t, uint64(len(payload)), result.Size)

	written, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, written)

	_, err = os.Stat(result.Path + partSuffix)
	assert.True(t, os.IsNotExist(err), "partial file should be promoted away")
	_, err = os.Stat(result.Path + stateSuffix)
	assert.True(t, os.IsNotExist(err), "resume state should be cleared")

	require.NotEmpty(t, updates)
	final := updates[len(updates)-1]
	assert.Equal(t, StatusComplete, final.Status)
	assert.InDelta(t, 100.0, final.Percentage, 0.001)
	assert.Equal(t, uint64(0), final.Eta)
	var last uint64
	for _, p := range updates {
		assert.GreaterOrEqual(t, p.Downloaded, last)
		last = p.Downloaded
	}
}

func TestNativeUnknownLengthDownload(t *testing.T) {
	payload := bytes.Repeat([]byte("stream"), 512)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	saveDir := t.TempDir()
	d := startedNative(t, saveDir)

	opts := testOptions()
	opts.Filename = "stream.bin"
	var sawSentinels bool
	result, err := d.DownloadAndWait(context.Background(), srv.URL, opts, func(p Progress) {
		if !p.Status.Terminal() && p.Percentage == PercentageUnknown && p.Eta == EtaUnknown {
			sawSentinels = true
		}
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(len(payload)), result.Size)
	_ = sawSentinels // fast transfers may only surface the terminal snapshot

	written, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, written)
}

func TestNativeAlreadyDownloaded(t *testing.T) {
	payload := bytes.Repeat([]byte("z"), 4096)
	saveDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(saveDir, "asset.bin"), payload, 0644))

	srv := rangedServer(t, payload)
	d := startedNative(t, saveDir)

	result, err := d.DownloadAndWait(context.Background(), srv.URL+"/asset.bin", testOptions(), nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(saveDir, "asset.bin"), result.Path)
	assert.Equal(t, uint64(len(payload)), result.Size)
}

// slowServer streams small writes forever until the request is dropped.
func slowServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		chunk := bytes.Repeat([]byte("a"), 100)
		for {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNativePauseFreezesProgress(t *testing.T) {
	srv := slowServer(t)
	saveDir := t.TempDir()
	d := startedNative(t, saveDir)

	opts := testOptions()
	opts.Filename = "slow.bin"
	gid, err := d.Download(context.Background(), srv.URL, opts)
	require.NoError(t, err)

	ctx := context.Background()
	waitFor(t, 5*time.Second, func() bool {
		p, err := d.GetDownloadProgress(ctx, gid)
		return err == nil && p.Downloaded > 0
	}, "download never made progress")

	require.NoError(t, d.Pause(ctx, gid))
	p, err := d.GetDownloadProgress(ctx, gid)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, p.Status)
	assert.Equal(t, uint64(0), p.Speed)

	// pausing again is a no-op
	require.NoError(t, d.Pause(ctx, gid))

	// let any in-flight read settle, then confirm the counter is frozen
	time.Sleep(300 * time.Millisecond)
	before, err := d.GetDownloadProgress(ctx, gid)
	require.NoError(t, err)
	time.Sleep(400 * time.Millisecond)
	after, err := d.GetDownloadProgress(ctx, gid)
	require.NoError(t, err)
	assert.Equal(t, before.Downloaded, after.Downloaded)

	require.NoError(t, d.Resume(ctx, gid))
	waitFor(t, 5*time.Second, func() bool {
		p, err := d.GetDownloadProgress(ctx, gid)
		return err == nil && p.Downloaded > after.Downloaded
	}, "download did not resume")

	require.NoError(t, d.Cancel(ctx, gid))
}

func TestNativePauseBeforeRunnerStartsSticks(t *testing.T) {
	payload := bytes.Repeat([]byte("p"), 4096)
	srv := rangedServer(t, payload)
	saveDir := t.TempDir()

	task := newNativeTask(newGid(), srv.URL+"/asset.bin", testOptions(), http.DefaultClient, &stateStore{saveDir: saveDir}, "")
	require.NoError(t, task.pause())

	// the pause landed before the runner goroutine got scheduled
	go task.run()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StatusPaused, task.snapshot().Status)
	assert.Equal(t, uint64(0), task.snapshot().Downloaded)

	require.NoError(t, task.resume())
	select {
	case <-task.done:
	case <-time.After(10 * time.Second):
		t.Fatal("task never finished after resume")
	}
	require.NoError(t, task.err)
	assert.Equal(t, StatusComplete, task.snapshot().Status)
}

func TestNativeCancelAllRemovesEverything(t *testing.T) {
	srv := slowServer(t)
	saveDir := t.TempDir()
	d := startedNative(t, saveDir)

	opts := testOptions()
	opts.Filename = "doomed.bin"
	gid, err := d.Download(context.Background(), srv.URL, opts)
	require.NoError(t, err)

	partPath := filepath.Join(saveDir, "doomed.bin"+partSuffix)
	waitFor(t, 5*time.Second, func() bool {
		_, err := os.Stat(partPath)
		return err == nil
	}, "partial file never appeared")

	removed, err := d.CancelAll(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, partPath, removed)

	_, err = os.Stat(partPath)
	assert.True(t, os.IsNotExist(err), "partial file should be deleted")
	_, err = os.Stat(filepath.Join(saveDir, "doomed.bin"+stateSuffix))
	assert.True(t, os.IsNotExist(err), "resume state should be deleted")

	_, err = d.GetDownloadProgress(context.Background(), gid)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestNativeCancelAllTwoTasks(t *testing.T) {
	srv1 := slowServer(t)
	srv2 := slowServer(t)
	saveDir := t.TempDir()
	d := startedNative(t, saveDir)

	opts1 := testOptions()
	opts1.Filename = "one.bin"
	gid1, err := d.Download(context.Background(), srv1.URL, opts1)
	require.NoError(t, err)
	opts2 := testOptions()
	opts2.Filename = "two.bin"
	gid2, err := d.Download(context.Background(), srv2.URL, opts2)
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		_, err1 := os.Stat(filepath.Join(saveDir, "one.bin"+partSuffix))
		_, err2 := os.Stat(filepath.Join(saveDir, "two.bin"+partSuffix))
		return err1 == nil && err2 == nil
	}, "partial files never appeared")

	// two in-flight files means no single canonical path to report
	removed, err := d.CancelAll(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, removed)

	for _, name := range []string{"one.bin", "two.bin"} {
		_, err = os.Stat(filepath.Join(saveDir, name+partSuffix))
		assert.True(t, os.IsNotExist(err), name+" partial should be deleted")
		_, err = os.Stat(filepath.Join(saveDir, name+stateSuffix))
		assert.True(t, os.IsNotExist(err), name+" state should be deleted")
	}
	for _, gid := range []string{gid1, gid2} {
		_, err = d.GetDownloadProgress(context.Background(), gid)
		assert.ErrorIs(t, err, ErrTaskNotFound)
	}
}

func TestNativeResumesFromSavedState(t *testing.T) {
	payload := make([]byte, 8*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	saveDir := t.TempDir()
	srv := rangedServer(t, payload)
	store := &stateStore{saveDir: saveDir}

	// first half already on disk, recorded as a completed chunk
	half := uint64(len(payload) / 2)
	part := make([]byte, len(payload))
	copy(part, payload[:half])
	require.NoError(t, os.WriteFile(store.partPath("asset.bin"), part, 0644))
	require.NoError(t, store.save(&downloadState{
		URL:           srv.URL + "/asset.bin",
		Filename:      "asset.bin",
		TotalSize:     uint64(len(payload)),
		SupportsRange: true,
		Chunks: []chunkState{
			{Index: 0, Start: 0, End: half - 1, Downloaded: half, Completed: true},
			{Index: 1, Start: half, End: uint64(len(payload)) - 1},
		},
	}))

	d := startedNative(t, saveDir)
	result, err := d.DownloadAndWait(context.Background(), srv.URL+"/asset.bin", testOptions(), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(payload)), result.Size)

	written, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, written)
}

func TestNativeErrorSurfacesInProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	d := startedNative(t, t.TempDir())
	ctx := context.Background()
	gid, err := d.Download(ctx, srv.URL+"/missing.bin", testOptions())
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		p, err := d.GetDownloadProgress(ctx, gid)
		return err == nil && p.Status == StatusError
	}, "task never reached error state")

	p, err := d.GetDownloadProgress(ctx, gid)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ErrorMessage)
}

func TestNativeTransitionErrors(t *testing.T) {
	payload := bytes.Repeat([]byte("q"), 2048)
	srv := rangedServer(t, payload)
	d := startedNative(t, t.TempDir())

	ctx := context.Background()
	gid, err := d.Download(ctx, srv.URL+"/asset.bin", testOptions())
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		p, err := d.GetDownloadProgress(ctx, gid)
		return err == nil && p.Status == StatusComplete
	}, "download never completed")

	assert.ErrorIs(t, d.Pause(ctx, gid), ErrInvalidTransition)
	assert.ErrorIs(t, d.Resume(ctx, gid), ErrInvalidTransition)
	assert.ErrorIs(t, d.Cancel(ctx, gid), ErrInvalidTransition)

	assert.ErrorIs(t, d.Pause(ctx, "nope"), ErrTaskNotFound)
	assert.ErrorIs(t, d.Resume(ctx, "nope"), ErrTaskNotFound)
	assert.ErrorIs(t, d.Cancel(ctx, "nope"), ErrTaskNotFound)
	_, err = d.GetDownloadProgress(ctx, "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestNewGidShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		gid := newGid()
		assert.Len(t, gid, 16)
		assert.False(t, seen[gid], "gid collision")
		seen[gid] = true
	}
}
