package install

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/emufetch/emufetch/internal/download"
	"github.com/emufetch/emufetch/internal/notify"
	"github.com/emufetch/emufetch/utils"
)

// StepStatus tracks one installation step through its life.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepError   StepStatus = "error"
)

// ProgressStep is the user-visible state of one step in an installation
// pipeline. Download-backed steps carry live transfer fields.
type ProgressStep struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Status         StepStatus `json:"status"`
	Progress       float64    `json:"progress"`
	DownloadSpeed  string     `json:"downloadSpeed,omitempty"`
	Eta            string     `json:"eta,omitempty"`
	Error          string     `json:"error,omitempty"`
	DownloadSource string     `json:"downloadSource,omitempty"`
}

// Pipeline runs a sequence of steps, mirroring each step's state out through
// the notifier after every change.
type Pipeline struct {
	manager  download.Manager
	notifier notify.Notifier
	log      zerolog.Logger

	mu    sync.Mutex
	steps []ProgressStep
}

func NewPipeline(manager download.Manager, notifier notify.Notifier) *Pipeline {
	if notifier == nil {
		notifier = notify.Discard
	}
	return &Pipeline{
		manager:  manager,
		notifier: notifier,
		log:      utils.GetLogger("install"),
	}
}

// AddStep registers a pending step and returns its index.
func (p *Pipeline) AddStep(id, title string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, ProgressStep{ID: id, Title: title, Status: StepPending})
	return len(p.steps) - 1
}

// Steps returns a copy of the current step states.
func (p *Pipeline) Steps() []ProgressStep {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProgressStep, len(p.steps))
	copy(out, p.steps)
	return out
}

func (p *Pipeline) update(index int, fn func(*ProgressStep)) {
	p.mu.Lock()
	if index < 0 || index >= len(p.steps) {
		p.mu.Unlock()
		return
	}
	fn(&p.steps[index])
	step := p.steps[index]
	p.mu.Unlock()
	p.notifier.Emit(notify.EventInstallProgress, step)
}

// RunDownloadStep executes one download-backed step: the step goes Running,
// tracks the transfer's progress fields, and lands on Success or Error.
func (p *Pipeline) RunDownloadStep(ctx context.Context, index int, url string, options download.Options) (*download.Result, error) {
	p.update(index, func(s *ProgressStep) {
		s.Status = StepRunning
		s.DownloadSource = url
	})

	result, err := p.manager.DownloadAndWait(ctx, url, options, func(progress download.Progress) {
		p.update(index, func(s *ProgressStep) {
			s.Progress = progress.Percentage
			s.DownloadSpeed = progress.SpeedString()
			s.Eta = progress.EtaString()
		})
		p.notifier.Emit(notify.EventDownloadProgress, notify.FromProgress(progress))
	})
	if err != nil {
		p.update(index, func(s *ProgressStep) {
			s.Status = StepError
			s.Error = err.Error()
		})
		p.notifier.Emit(notify.EventDownloadError, notify.DownloadErrorPayload{Message: err.Error()})
		return nil, err
	}

	p.update(index, func(s *ProgressStep) {
		s.Status = StepSuccess
		s.Progress = 100
		s.Eta = download.EtaString(0)
	})
	p.notifier.Emit(notify.EventDownloadComplete, notify.FromProgress(download.Progress{
		Gid:      result.Gid,
		Filename: result.Filename,
		Status:   download.StatusComplete,
	}))
	p.log.Info().Str("step", p.stepID(index)).Str("path", result.Path).Msg("Install step complete")
	return result, nil
}

// RunFuncStep executes a non-download step, such as extraction or placement.
func (p *Pipeline) RunFuncStep(ctx context.Context, index int, fn func(ctx context.Context) error) error {
	p.update(index, func(s *ProgressStep) { s.Status = StepRunning })
	if err := fn(ctx); err != nil {
		p.update(index, func(s *ProgressStep) {
			s.Status = StepError
			s.Error = err.Error()
		})
		return err
	}
	p.update(index, func(s *ProgressStep) {
		s.Status = StepSuccess
		s.Progress = 100
	})
	return nil
}

func (p *Pipeline) stepID(index int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.steps) {
		return ""
	}
	return p.steps[index].ID
}
