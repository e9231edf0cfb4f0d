package download

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/emufetch/emufetch/utils"
)

const (
	aria2ConnectRetries = 5
	aria2ConnectDelay   = 500 * time.Millisecond
)

// aria2Process owns the spawned aria2c daemon.
type aria2Process struct {
	binary string
	port   int
	secret string
	cmd    *exec.Cmd
}

// findAria2Binary resolves the aria2c executable: an explicit path wins,
// otherwise PATH is probed.
func findAria2Binary(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, explicit, err)
		}
		return explicit, nil
	}
	path, err := exec.LookPath("aria2c")
	if err != nil {
		return "", fmt.Errorf("%w: aria2c not on PATH", ErrBackendUnavailable)
	}
	return path, nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("%w: no free port: %v", ErrBackendUnavailable, err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// spawnAria2 launches the daemon in RPC mode with a random secret on a free
// local port. The daemon exits with this process via --stop-with-process.
func spawnAria2(binary string) (*aria2Process, error) {
	port, err := freePort()
	if err != nil {
		return nil, err
	}
	secret := uuid.NewString()

	cmd := exec.Command(binary,
		"--enable-rpc",
		"--rpc-listen-all=false",
		fmt.Sprintf("--rpc-listen-port=%d", port),
		fmt.Sprintf("--rpc-secret=%s", secret),
		fmt.Sprintf("--stop-with-process=%d", os.Getpid()),
		"--allow-overwrite=true",
		"--auto-file-renaming=false",
		"--file-allocation=none",
		"--continue=true",
		"--quiet=true",
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: launching %s: %v", ErrBackendUnavailable, binary, err)
	}

	log := utils.GetLogger("aria2")
	log.Debug().Int("port", port).Int("pid", cmd.Process.Pid).Msg("Spawned aria2c daemon")
	return &aria2Process{binary: binary, port: port, secret: secret, cmd: cmd}, nil
}

// waitReady polls the RPC endpoint until the daemon answers, with bounded
// retries so a broken install fails fast.
func (p *aria2Process) waitReady(ctx context.Context, client *aria2Client) error {
	var lastErr error
	for i := 0; i < aria2ConnectRetries; i++ {
		if _, err := client.getVersion(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, ctx.Err())
		case <-time.After(aria2ConnectDelay):
		}
	}
	return fmt.Errorf("%w: daemon not answering after %d attempts: %v", ErrBackendUnavailable, aria2ConnectRetries, lastErr)
}

// kill terminates the daemon process. Used when the graceful RPC shutdown
// fails or times out.
func (p *aria2Process) kill() {
	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Process.Kill()
		p.cmd.Wait()
	}
}
