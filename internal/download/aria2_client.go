package download

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// aria2Client speaks JSON-RPC to a local aria2 daemon over HTTP POST. Every
// call carries the secret token as the first parameter.
type aria2Client struct {
	endpoint string
	secret   string
	http     *http.Client
}

func newAria2Client(port int, secret string) *aria2Client {
	return &aria2Client{
		endpoint: fmt.Sprintf("http://127.0.0.1:%d/jsonrpc", port),
		secret:   secret,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// call posts one request and decodes the result into out (skipped when nil).
// Daemon-side errors are translated onto the shared error taxonomy.
func (c *aria2Client) call(ctx context.Context, method string, params []any, out any) error {
	full := append([]any{"token:" + c.secret}, params...)
	body, err := json.Marshal(rpcRequest{
		Jsonrpc: "2.0",
		ID:      "emufetch",
		Method:  method,
		Params:  full,
	})
	if err != nil {
		return ProtocolErrorf("encoding %s request: %v", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return ProtocolErrorf("building %s request: %v", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return NetworkErrorf("calling %s: %v", method, err)
	}
	defer resp.Body.Close()

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return ProtocolErrorf("decoding %s response: %v", method, err)
	}
	if decoded.Error != nil {
		return translateRPCError(method, decoded.Error)
	}
	if out != nil {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return ProtocolErrorf("decoding %s result: %v", method, err)
		}
	}
	return nil
}

func translateRPCError(method string, rpcErr *rpcError) error {
	msg := strings.ToLower(rpcErr.Message)
	switch {
	case strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %s", ErrTaskNotFound, rpcErr.Message)
	case strings.Contains(msg, "cannot be paused"), strings.Contains(msg, "cannot be unpaused"):
		return fmt.Errorf("%w: %s", ErrInvalidTransition, rpcErr.Message)
	}
	return ProtocolErrorf("%s: [%d] %s", method, rpcErr.Code, rpcErr.Message)
}

// aria2Status mirrors the daemon's tellStatus shape. aria2 reports all
// counters as decimal strings.
type aria2Status struct {
	Gid             string `json:"gid"`
	Status          string `json:"status"`
	TotalLength     string `json:"totalLength"`
	CompletedLength string `json:"completedLength"`
	DownloadSpeed   string `json:"downloadSpeed"`
	ErrorMessage    string `json:"errorMessage"`
	Files           []struct {
		Path string `json:"path"`
	} `json:"files"`
}

func parseCounter(s string) uint64 {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (s *aria2Status) total() uint64     { return parseCounter(s.TotalLength) }
func (s *aria2Status) completed() uint64 { return parseCounter(s.CompletedLength) }
func (s *aria2Status) speed() uint64     { return parseCounter(s.DownloadSpeed) }

func (s *aria2Status) filePath() string {
	if len(s.Files) == 0 {
		return ""
	}
	return s.Files[0].Path
}

var tellStatusKeys = []string{"gid", "status", "totalLength", "completedLength", "downloadSpeed", "errorMessage", "files"}

func (c *aria2Client) addURI(ctx context.Context, uris []string, options map[string]any) (string, error) {
	var gid string
	if err := c.call(ctx, "aria2.addUri", []any{uris, options}, &gid); err != nil {
		return "", err
	}
	return gid, nil
}

func (c *aria2Client) tellStatus(ctx context.Context, gid string) (aria2Status, error) {
	var status aria2Status
	err := c.call(ctx, "aria2.tellStatus", []any{gid, tellStatusKeys}, &status)
	return status, err
}

func (c *aria2Client) tellActive(ctx context.Context) ([]aria2Status, error) {
	var statuses []aria2Status
	err := c.call(ctx, "aria2.tellActive", []any{tellStatusKeys}, &statuses)
	return statuses, err
}

func (c *aria2Client) tellWaiting(ctx context.Context) ([]aria2Status, error) {
	var statuses []aria2Status
	err := c.call(ctx, "aria2.tellWaiting", []any{0, 1000, tellStatusKeys}, &statuses)
	return statuses, err
}

func (c *aria2Client) pause(ctx context.Context, gid string) error {
	return c.call(ctx, "aria2.pause", []any{gid}, nil)
}

func (c *aria2Client) unpause(ctx context.Context, gid string) error {
	return c.call(ctx, "aria2.unpause", []any{gid}, nil)
}

func (c *aria2Client) remove(ctx context.Context, gid string) error {
	return c.call(ctx, "aria2.remove", []any{gid}, nil)
}

func (c *aria2Client) removeDownloadResult(ctx context.Context, gid string) error {
	return c.call(ctx, "aria2.removeDownloadResult", []any{gid}, nil)
}

func (c *aria2Client) purgeDownloadResult(ctx context.Context) error {
	return c.call(ctx, "aria2.purgeDownloadResult", nil, nil)
}

func (c *aria2Client) shutdown(ctx context.Context) error {
	return c.call(ctx, "aria2.shutdown", nil, nil)
}

func (c *aria2Client) getVersion(ctx context.Context) (string, error) {
	var result struct {
		Version string `json:"version"`
	}
	if err := c.call(ctx, "aria2.getVersion", nil, &result); err != nil {
		return "", err
	}
	return result.Version, nil
}
