package download

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/emufetch/emufetch/utils"
)

const (
	partSuffix  = ".part"
	stateSuffix = ".download"
)

// chunkState is one byte range of a download. Start and End are inclusive
// offsets into the destination file; Downloaded counts bytes already written
// so an interrupted chunk resumes mid-range.
type chunkState struct {
	Index      int    `json:"index"`
	Start      uint64 `json:"start"`
	End        uint64 `json:"end"`
	Downloaded uint64 `json:"downloaded"`
	Completed  bool   `json:"completed"`
}

func (c *chunkState) size() uint64 {
	return c.End - c.Start + 1
}

// position is the next file offset this chunk writes to.
func (c *chunkState) position() uint64 {
	return c.Start + c.Downloaded
}

// downloadState is the sidecar record persisted next to the partial file so a
// later run can resume instead of starting over. mu covers chunk counters,
// which the writers mutate while the saver reads.
type downloadState struct {
	mu sync.Mutex

	URL           string       `json:"url"`
	Filename      string       `json:"filename"`
	TotalSize     uint64       `json:"totalSize"`
	SupportsRange bool         `json:"supportsRange"`
	ETag          string       `json:"etag,omitempty"`
	LastModified  string       `json:"lastModified,omitempty"`
	Chunks        []chunkState `json:"chunks"`
	UpdatedAt     int64        `json:"updatedAt"`
}

func (s *downloadState) addChunkBytes(c *chunkState, n uint64) {
	s.mu.Lock()
	c.Downloaded += n
	s.mu.Unlock()
}

func (s *downloadState) setChunkBytes(c *chunkState, n uint64) {
	s.mu.Lock()
	c.Downloaded = n
	s.mu.Unlock()
}

func (s *downloadState) markCompleted(c *chunkState, end uint64) {
	s.mu.Lock()
	c.Completed = true
	c.End = end
	s.mu.Unlock()
}

func (s *downloadState) downloadedBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum uint64
	for i := range s.Chunks {
		sum += s.Chunks[i].Downloaded
	}
	return sum
}

// matches reports whether the stored state still describes the remote file.
// Any drift in URL, size, or validators makes resuming unsafe.
func (s *downloadState) matches(url string, probe rangeSupport) bool {
	if s.URL != url {
		return false
	}
	if probe.total != 0 && s.TotalSize != probe.total {
		return false
	}
	if s.ETag != "" && probe.etag != "" && s.ETag != probe.etag {
		return false
	}
	if s.LastModified != "" && probe.lastModified != "" && s.LastModified != probe.lastModified {
		return false
	}
	return true
}

// stateStore reads and writes sidecar files for one save directory.
type stateStore struct {
	saveDir string
}

func (st *stateStore) partPath(filename string) string {
	return filepath.Join(st.saveDir, filename+partSuffix)
}

func (st *stateStore) statePath(filename string) string {
	return filepath.Join(st.saveDir, filename+stateSuffix)
}

func (st *stateStore) finalPath(filename string) string {
	return filepath.Join(st.saveDir, filename)
}

// load returns the saved state for filename, or nil when absent. A corrupt
// sidecar is removed and treated as absent.
func (st *stateStore) load(filename string) *downloadState {
	data, err := os.ReadFile(st.statePath(filename))
	if err != nil {
		return nil
	}
	var state downloadState
	if err := json.Unmarshal(data, &state); err != nil {
		log := utils.GetLogger("state")
		log.Warn().Str("file", filename).Msg("Discarding corrupt resume state")
		os.Remove(st.statePath(filename))
		return nil
	}
	return &state
}

// save writes the state atomically: temp file in the same directory, then
// rename over the sidecar. The chunk lock is held during encoding so the
// persisted counters are mutually consistent.
func (st *stateStore) save(state *downloadState) error {
	state.mu.Lock()
	state.UpdatedAt = time.Now().Unix()
	data, err := json.MarshalIndent(state, "", "  ")
	state.mu.Unlock()
	if err != nil {
		return IOErrorf("encoding resume state: %v", err)
	}
	tmp := st.statePath(state.Filename) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return IOErrorf("writing resume state: %v", err)
	}
	if err := os.Rename(tmp, st.statePath(state.Filename)); err != nil {
		os.Remove(tmp)
		return IOErrorf("committing resume state: %v", err)
	}
	return nil
}

// clear removes the sidecar for filename, keeping any partial data.
func (st *stateStore) clear(filename string) {
	os.Remove(st.statePath(filename))
}

// discard removes both the partial file and its sidecar.
func (st *stateStore) discard(filename string) {
	os.Remove(st.partPath(filename))
	os.Remove(st.statePath(filename))
}
