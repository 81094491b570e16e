package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"appforge/internal/domain/ports/adapter"

	"github.com/rs/zerolog"
)

// Domain endpoints on a sandbox's control API.
const (
	PathBuild       = "/api/build"
	PathSubmit      = "/api/submit"
	PathEnvironment = "/api/vamos"
	PathDeploy      = "/api/deploy"
	PathMaintenance = "/api/maintenance"
	PathHalt        = "/api/halt"
	PathGitReset    = "/api/git/reset"
)

var _ adapter.SandboxClient = (*Client)(nil)

// Client talks to one sandbox over HTTP. Streaming endpoints answer with
// text/event-stream; Command endpoints answer with plain JSON.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	log     *zerolog.Logger
}

func NewClient(baseURL, token string, readTimeout time.Duration, logger *zerolog.Logger) *Client {
	l := logger.With().Str("component", "sandbox_client").Logger()
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// No overall client timeout: streams run for as long as a build
		// does. Stalls are bounded by the transport's read deadline.
		httpc: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       readTimeout,
			},
		},
		log: &l,
	}
}

func (c *Client) newRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// Stream opens a streaming operation and hands back the event sequence.
func (c *Client) Stream(ctx context.Context, path string, body any) (adapter.SandboxStream, error) {
	req, err := c.newRequest(ctx, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open sandbox stream %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("sandbox stream %s: unexpected status %d", path, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("sandbox stream %s: unexpected content type %q", path, ct)
	}
	return &stream{body: resp.Body, r: bufio.NewReader(resp.Body)}, nil
}

// Command performs a non-streaming call (halt, git reset, maintenance ops).
func (c *Client) Command(ctx context.Context, path string, body any) error {
	req, err := c.newRequest(ctx, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox command %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sandbox command %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}

// stream parses SSE framing: optional "event: <type>" line, "data: <json>"
// line, blank-line terminated. A literal "data: [DONE]" ends the stream.
type stream struct {
	body io.ReadCloser
	r    *bufio.Reader
}

var _ adapter.SandboxStream = (*stream)(nil)

func (s *stream) Next(ctx context.Context) (*adapter.SandboxEvent, error) {
	var eventType string
	var data []byte

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := s.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				err = io.EOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if data == nil {
				continue // stray separator or keep-alive gap
			}
			ev := &adapter.SandboxEvent{Type: eventType, Data: data}
			if ev.Type == "" {
				ev.Type = typeFromData(data)
			}
			return ev, nil
		case strings.HasPrefix(line, ":"):
			continue // comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return nil, io.EOF
			}
			data = append(data, payload...)
		}
	}
}

func (s *stream) Close() error {
	return s.body.Close()
}

// typeFromData falls back to a top-level "type" field when no event: line was
// sent.
func typeFromData(data []byte) string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.Type != "" {
		return probe.Type
	}
	return "message"
}
