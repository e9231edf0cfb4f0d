package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const copyBufferSize = 64 * 1024

// rangeSupport is the outcome of probing a URL for byte-range support.
type rangeSupport struct {
	supported    bool
	total        uint64
	etag         string
	lastModified string
	header       http.Header
	finalURL     string
}

// probeRange asks the server for the first byte of the file. A 206 means
// ranges work and Content-Range carries the total size; a 200 means the
// server ignores ranges and Content-Length (if any) is the total.
func probeRange(ctx context.Context, client *http.Client, url string, opts Options) (rangeSupport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return rangeSupport{}, fmt.Errorf("%w: %s", ErrInvalidURL, url)
	}
	applyHeaders(req, opts)
	req.Header.Set("Range", "bytes=0-0")
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := client.Do(req)
	if err != nil {
		return rangeSupport{}, NetworkErrorf("probing %s: %v", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 2))

	probe := rangeSupport{
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
		header:       resp.Header,
		finalURL:     url,
	}
	if resp.Request != nil && resp.Request.URL != nil {
		probe.finalURL = resp.Request.URL.String()
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		probe.supported = true
		if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			probe.total = total
		}
		return probe, nil
	case http.StatusOK:
		if resp.ContentLength > 0 {
			probe.total = uint64(resp.ContentLength)
		}
		return probe, nil
	default:
		return rangeSupport{}, NetworkErrorf("probing %s: HTTP %d", url, resp.StatusCode)
	}
}

// parseContentRangeTotal extracts the total from "bytes 0-0/N". A "*" total
// means the server does not know the length.
func parseContentRangeTotal(header string) (uint64, bool) {
	idx := strings.LastIndexByte(header, '/')
	if idx < 0 {
		return 0, false
	}
	totalPart := strings.TrimSpace(header[idx+1:])
	if totalPart == "*" || totalPart == "" {
		return 0, false
	}
	total, err := strconv.ParseUint(totalPart, 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}

// calculateChunks splits the file into at most split ranges, each at least
// minSplitSize bytes. Unknown length or no range support yields one chunk
// covering everything.
func calculateChunks(total uint64, supportsRange bool, split int, minSplitSize uint64) []chunkState {
	if !supportsRange || total == 0 || total < minSplitSize {
		end := uint64(0)
		if total > 0 {
			end = total - 1
		}
		return []chunkState{{Index: 0, Start: 0, End: end}}
	}
	count := uint64(split)
	if byMin := total / minSplitSize; byMin < count {
		count = byMin
	}
	if count < 1 {
		count = 1
	}
	chunkSize := total / count
	chunks := make([]chunkState, 0, count)
	for i := uint64(0); i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize - 1
		if i == count-1 {
			end = total - 1
		}
		chunks = append(chunks, chunkState{Index: int(i), Start: start, End: end})
	}
	return chunks
}

func applyHeaders(req *http.Request, opts Options) {
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent()
	}
	req.Header.Set("User-Agent", ua)
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
}

// downloadChunk streams one byte range into the shared destination file at
// its own offset. It parks while the task is paused and aborts on cancel.
func (t *nativeTask) downloadChunk(ctx context.Context, state *downloadState, chunk *chunkState, file *os.File) error {
	if chunk.Completed {
		return nil
	}
	url := t.currentURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return NetworkErrorf("building range request: %v", err)
	}
	applyHeaders(req, t.opts)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", chunk.position(), chunk.End))
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := t.client.Do(req)
	if err != nil {
		return NetworkErrorf("requesting range %d: %v", chunk.Index, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return NetworkErrorf("range %d: HTTP %d", chunk.Index, resp.StatusCode)
	}

	buf := make([]byte, copyBufferSize)
	for {
		if err := t.waitIfPaused(ctx); err != nil {
			return err
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			offset := int64(chunk.position())
			if _, werr := file.WriteAt(buf[:n], offset); werr != nil {
				return IOErrorf("writing at offset %d: %v", offset, werr)
			}
			state.addChunkBytes(chunk, uint64(n))
			t.addBytes(uint64(n))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return NetworkErrorf("reading range %d: %v", chunk.Index, readErr)
		}
	}
	if chunk.Downloaded < chunk.size() {
		return NetworkErrorf("range %d truncated at %d of %d bytes", chunk.Index, chunk.Downloaded, chunk.size())
	}
	state.markCompleted(chunk, chunk.End)
	return nil
}

// downloadSingle streams the whole body sequentially, used when the server
// does not support ranges or the length is unknown. With range support it
// resumes from the bytes already on disk.
func (t *nativeTask) downloadSingle(ctx context.Context, state *downloadState, chunk *chunkState, supportsRange bool, file *os.File) error {
	url := t.currentURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return NetworkErrorf("building request: %v", err)
	}
	applyHeaders(req, t.opts)
	req.Header.Set("Accept-Encoding", "identity")
	resume := supportsRange && chunk.Downloaded > 0
	if resume {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", chunk.Downloaded))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return NetworkErrorf("requesting %s: %v", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resume && resp.StatusCode == http.StatusPartialContent:
		// continue from current offset
	case resp.StatusCode == http.StatusOK:
		// full body, start over
		state.setChunkBytes(chunk, 0)
		t.resetBytes(0)
	default:
		return NetworkErrorf("requesting %s: HTTP %d", url, resp.StatusCode)
	}

	buf := make([]byte, copyBufferSize)
	for {
		if err := t.waitIfPaused(ctx); err != nil {
			return err
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := file.WriteAt(buf[:n], int64(chunk.Downloaded)); werr != nil {
				return IOErrorf("writing at offset %d: %v", chunk.Downloaded, werr)
			}
			state.addChunkBytes(chunk, uint64(n))
			t.addBytes(uint64(n))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return NetworkErrorf("reading body: %v", readErr)
		}
	}
	end := chunk.Downloaded
	if end > 0 {
		end--
	}
	state.markCompleted(chunk, end)
	return nil
}

// waitIfPaused blocks while the task is paused, checking cancellation every
// poll tick so a paused task can still be cancelled.
func (t *nativeTask) waitIfPaused(ctx context.Context) error {
	for {
		select {
		case <-t.cancelCh:
			return ErrCancelled
		case <-ctx.Done():
			return ErrCancelled
		default:
		}
		if !t.paused.Load() {
			return nil
		}
		select {
		case <-t.cancelCh:
			return ErrCancelled
		case <-ctx.Done():
			return ErrCancelled
		case <-time.After(100 * time.Millisecond):
		}
	}
}
