package notify

import "github.com/emufetch/emufetch/internal/download"

// Event names emitted across the notification boundary. Consumers subscribe
// by name; payload shapes are fixed per name.
const (
	EventDownloadProgress = "download-progress"
	EventDownloadComplete = "download-complete"
	EventDownloadError    = "download-error"
	EventInstallProgress  = "install-progress"
)

// DownloadProgressPayload accompanies EventDownloadProgress. Formatted fields
// are precomputed so consumers never reimplement size/ETA rendering.
type DownloadProgressPayload struct {
	Gid        string  `json:"gid"`
	Filename   string  `json:"filename"`
	Percentage float64 `json:"percentage"`
	Downloaded string  `json:"downloaded"`
	Total      string  `json:"total"`
	Speed      string  `json:"speed"`
	Eta        string  `json:"eta"`
	Status     string  `json:"status"`
}

// FromProgress builds the wire payload for one progress snapshot.
func FromProgress(p download.Progress) DownloadProgressPayload {
	return DownloadProgressPayload{
		Gid:        p.Gid,
		Filename:   p.Filename,
		Percentage: p.Percentage,
		Downloaded: p.DownloadedString(),
		Total:      p.TotalString(),
		Speed:      p.SpeedString(),
		Eta:        p.EtaString(),
		Status:     string(p.Status),
	}
}

// DownloadErrorPayload accompanies EventDownloadError.
type DownloadErrorPayload struct {
	Gid     string `json:"gid"`
	Message string `json:"message"`
}

// Notifier delivers events to whoever fronts the user: a desktop shell, a
// terminal renderer, or a test recorder.
type Notifier interface {
	Emit(event string, payload any)
}

// Func adapts a function to the Notifier interface.
type Func func(event string, payload any)

func (f Func) Emit(event string, payload any) { f(event, payload) }

// Discard drops all events.
var Discard Notifier = Func(func(string, any) {})
