package download

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emufetch/emufetch/utils"
)

// scriptedDaemon fakes the daemon with a fixed status progression and records
// which control methods the backend actually issued.
type scriptedDaemon struct {
	mu       sync.Mutex
	statuses []string
	path     string
	calls    map[string]int
}

func (d *scriptedDaemon) handle(req rpcRequest) (any, *rpcError) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[req.Method]++
	switch req.Method {
	case "aria2.tellStatus":
		st := d.statuses[0]
		if len(d.statuses) > 1 {
			d.statuses = d.statuses[1:]
		}
		return map[string]any{
			"gid":             "feedfacefeedface",
			"status":          st,
			"totalLength":     "1000",
			"completedLength": "200",
			"downloadSpeed":   "0",
			"files":           []map[string]any{{"path": d.path}},
		}, nil
	default:
		return "OK", nil
	}
}

func (d *scriptedDaemon) count(method string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[method]
}

func scriptedBackend(t *testing.T, statuses []string, path string) (*Aria2Backend, *scriptedDaemon) {
	t.Helper()
	daemon := &scriptedDaemon{statuses: statuses, path: path, calls: make(map[string]int)}
	client := rpcStub(t, daemon.handle)
	backend := &Aria2Backend{log: utils.GetLogger("aria2"), client: client}
	return backend, daemon
}

func TestAria2PauseAlreadyPausedIsNoOp(t *testing.T) {
	backend, daemon := scriptedBackend(t, []string{"paused"}, "")

	require.NoError(t, backend.Pause(context.Background(), "feedfacefeedface"))
	assert.Zero(t, daemon.count("aria2.pause"))
}

func TestAria2PauseActiveForwardsToDaemon(t *testing.T) {
	backend, daemon := scriptedBackend(t, []string{"active"}, "")

	require.NoError(t, backend.Pause(context.Background(), "feedfacefeedface"))
	assert.Equal(t, 1, daemon.count("aria2.pause"))
}

func TestAria2PauseTerminalIsInvalidTransition(t *testing.T) {
	backend, daemon := scriptedBackend(t, []string{"complete"}, "")

	err := backend.Pause(context.Background(), "feedfacefeedface")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Zero(t, daemon.count("aria2.pause"))
}

func TestAria2ResumeRunningIsNoOp(t *testing.T) {
	backend, daemon := scriptedBackend(t, []string{"active"}, "")

	require.NoError(t, backend.Resume(context.Background(), "feedfacefeedface"))
	assert.Zero(t, daemon.count("aria2.unpause"))

	backend, daemon = scriptedBackend(t, []string{"paused"}, "")
	require.NoError(t, backend.Resume(context.Background(), "feedfacefeedface"))
	assert.Equal(t, 1, daemon.count("aria2.unpause"))

	backend, _ = scriptedBackend(t, []string{"error"}, "")
	assert.ErrorIs(t, backend.Resume(context.Background(), "feedfacefeedface"), ErrInvalidTransition)
}

func TestAria2CancelWaitsForDaemonBeforeDeletingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "asset.bin")
	require.NoError(t, os.WriteFile(path, []byte("partial"), 0644))
	require.NoError(t, os.WriteFile(path+".aria2", []byte("ctl"), 0644))

	// The daemon keeps answering "active" for two polls after the remove
	// before acknowledging the task as removed.
	backend, daemon := scriptedBackend(t, []string{"active", "active", "active", "removed"}, path)

	require.NoError(t, backend.Cancel(context.Background(), "feedfacefeedface"))

	assert.Equal(t, 1, daemon.count("aria2.remove"))
	assert.GreaterOrEqual(t, daemon.count("aria2.tellStatus"), 3)
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, path+".aria2")
}

func TestAria2CancelCompletedTaskKeepsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "asset.bin")
	require.NoError(t, os.WriteFile(path, []byte("done"), 0644))

	backend, _ := scriptedBackend(t, []string{"complete"}, path)

	assert.ErrorIs(t, backend.Cancel(context.Background(), "feedfacefeedface"), ErrInvalidTransition)
	assert.FileExists(t, path)
}
