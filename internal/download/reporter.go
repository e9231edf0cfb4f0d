package download

import (
	"context"
	"errors"
	"time"
)

// progressInterval is how often the reporter samples backend state.
const progressInterval = 500 * time.Millisecond

// reporterFailureLimit bounds consecutive fetch failures before the reporter
// gives up on a task it can no longer observe.
const reporterFailureLimit = 8

// deriveProgress computes the derived progress fields from raw counters,
// applying the unknown-length sentinel rules: percentage is -1.0 when the
// total is unknown, eta is EtaUnknown when it cannot be computed.
func deriveProgress(downloaded, total, speed uint64) (percentage float64, eta uint64) {
	if total == 0 {
		return PercentageUnknown, EtaUnknown
	}
	percentage = float64(downloaded) / float64(total) * 100
	if speed == 0 {
		return percentage, EtaUnknown
	}
	remaining := uint64(0)
	if total > downloaded {
		remaining = total - downloaded
	}
	return percentage, remaining / speed
}

// reportProgress polls fetch on a fixed interval and feeds the callback until
// a terminal status is observed. The terminal snapshot is always delivered
// exactly once. Updates are kept monotonic in downloaded bytes; a smaller
// reading is clamped to the previous one unless the task reset to zero after
// a restart. A task that disappears mid-loop (removed by a concurrent cancel)
// or stops answering entirely still terminates the loop with a final
// synthesized snapshot, so waiters never hang on a gid nobody tracks anymore.
func reportProgress(ctx context.Context, fetch func() (Progress, error), onProgress ProgressCallback) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	var last Progress
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		progress, err := fetch()
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				final := last
				final.Status = StatusRemoved
				if onProgress != nil {
					onProgress(final)
				}
				return
			}
			failures++
			if failures >= reporterFailureLimit {
				final := last
				final.Status = StatusError
				final.ErrorMessage = err.Error()
				if onProgress != nil {
					onProgress(final)
				}
				return
			}
			continue
		}
		failures = 0
		if progress.Downloaded < last.Downloaded && progress.Downloaded != 0 {
			progress.Downloaded = last.Downloaded
		}
		last = progress

		if onProgress != nil {
			onProgress(progress)
		}
		if progress.Status.Terminal() {
			return
		}
	}
}
