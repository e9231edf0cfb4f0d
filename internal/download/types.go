package download

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// EtaUnknown is the sentinel ETA for tasks whose remaining time cannot be
// computed (unknown total length or zero speed).
const EtaUnknown = uint64(math.MaxUint64)

// PercentageUnknown is the sentinel percentage for unknown-length transfers.
const PercentageUnknown = -1.0

type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
	StatusRemoved  Status = "removed"
)

// ParseStatus maps a backend-reported status string; unrecognized values
// become StatusWaiting.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusWaiting, StatusActive, StatusPaused, StatusComplete, StatusError, StatusRemoved:
		return Status(s)
	}
	return StatusWaiting
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusRemoved
}

// Options configures one download task. Backends ignore fields they cannot
// honor. Options values are never mutated after construction.
type Options struct {
	SaveDir          string
	Filename         string
	Overwrite        bool
	UseMirror        bool
	Split            int
	MaxConnPerServer int
	MinSplitSize     string
	UserAgent        string
	Headers          map[string]string
}

func DefaultOptions() Options {
	return Options{
		UseMirror:        true,
		Split:            4,
		MaxConnPerServer: 4,
		MinSplitSize:     "4M",
	}
}

// HighSpeedOptions is the preset for proxied or otherwise fast links.
func HighSpeedOptions() Options {
	o := DefaultOptions()
	o.Split = 16
	o.MaxConnPerServer = 16
	return o
}

// CDNFriendlyOptions uses fewer, larger splits so CDN edges are not hammered
// with tiny range requests.
func CDNFriendlyOptions() Options {
	o := DefaultOptions()
	o.MinSplitSize = "12M"
	return o
}

// Progress is a point-in-time snapshot of one task. Percentage and Eta are
// always derived from the byte counters by the reporter; callers never set
// them directly.
type Progress struct {
	Gid        string  `json:"gid"`
	Downloaded uint64  `json:"downloaded"`
	Total      uint64  `json:"total"`
	Speed      uint64  `json:"speed"`
	Percentage float64 `json:"percentage"`
	Eta        uint64  `json:"eta"`
	Filename   string  `json:"filename"`
	Status     Status  `json:"status"`
	// ErrorMessage is set on the final snapshot of a failed task.
	ErrorMessage string `json:"errorMessage,omitempty"`
}

func NewProgress(gid, filename string) Progress {
	return Progress{Gid: gid, Filename: filename, Status: StatusWaiting}
}

// UnknownLengthProgress builds a snapshot for a transfer whose server did not
// report a content length. Percentage and Eta carry the sentinels.
func UnknownLengthProgress(downloaded, speed uint64, filename, gid string) Progress {
	return Progress{
		Gid:        gid,
		Downloaded: downloaded,
		Speed:      speed,
		Percentage: PercentageUnknown,
		Eta:        EtaUnknown,
		Filename:   filename,
		Status:     StatusActive,
	}
}

func (p Progress) DownloadedString() string { return FormatBytes(p.Downloaded) }
func (p Progress) TotalString() string      { return FormatBytes(p.Total) }
func (p Progress) SpeedString() string      { return FormatBytes(p.Speed) + "/s" }

// EtaString renders the ETA for display: "0s", "45s", "1m30s", "1h1m5s", or
// "--:--" for the unknown sentinel.
func (p Progress) EtaString() string {
	return EtaString(p.Eta)
}

func EtaString(eta uint64) string {
	if eta == 0 {
		return "0s"
	}
	if eta == EtaUnknown {
		return "--:--"
	}
	hours := eta / 3600
	minutes := (eta % 3600) / 60
	seconds := eta % 60
	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// Result is the terminal outcome of a finished task.
type Result struct {
	Path     string
	Filename string
	Size     uint64
	Gid      string
}

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB"}

// FormatBytes renders a byte count with binary prefixes and one decimal
// place: 0 -> "0.0B", 1024 -> "1.0KiB".
func FormatBytes(bytes uint64) string {
	size := float64(bytes)
	unit := 0
	for size >= 1024 && unit < len(byteUnits)-1 {
		size /= 1024
		unit++
	}
	return fmt.Sprintf("%.1f%s", size, byteUnits[unit])
}

// ParseSize parses size strings like "4M", "12MB", "512K", "1G" or a plain
// byte count. Suffixes are case-insensitive, 1024-based.
func ParseSize(s string) (uint64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	multiplier := uint64(1)
	switch {
	case strings.HasSuffix(s, "KB"):
		multiplier, s = 1024, s[:len(s)-2]
	case strings.HasSuffix(s, "MB"):
		multiplier, s = 1024*1024, s[:len(s)-2]
	case strings.HasSuffix(s, "GB"):
		multiplier, s = 1024*1024*1024, s[:len(s)-2]
	case strings.HasSuffix(s, "K"):
		multiplier, s = 1024, s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		multiplier, s = 1024*1024, s[:len(s)-1]
	case strings.HasSuffix(s, "G"):
		multiplier, s = 1024*1024*1024, s[:len(s)-1]
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %v", s, err)
	}
	return n * multiplier, nil
}
