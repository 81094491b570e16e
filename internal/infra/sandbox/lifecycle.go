package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"appforge/internal/domain/ports/adapter"

	"github.com/rs/zerolog"
)

var _ adapter.SandboxLifecycle = (*Manager)(nil)

// Manager creates and destroys ephemeral sandboxes through the lifecycle
// API. Used by the maintenance worker, which scopes a fresh sandbox to one
// run and always tears it down afterwards.
type Manager struct {
	managerURL  string
	token       string
	readTimeout time.Duration
	httpc       *http.Client
	log         *zerolog.Logger
}

func NewManager(managerURL, token string, readTimeout time.Duration, logger *zerolog.Logger) *Manager {
	l := logger.With().Str("component", "sandbox_lifecycle").Logger()
	return &Manager{
		managerURL:  strings.TrimRight(managerURL, "/"),
		token:       token,
		readTimeout: readTimeout,
		httpc:       &http.Client{Timeout: 2 * time.Minute},
		log:         &l,
	}
}

func (m *Manager) CreateSandbox(ctx context.Context, projectID string) (*adapter.SandboxInfo, error) {
	body, _ := json.Marshal(map[string]string{"projectId": projectID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.managerURL+"/api/sandboxes", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("create sandbox: unexpected status %d", resp.StatusCode)
	}
	var decoded struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode sandbox info: %w", err)
	}
	info := adapter.SandboxInfo{ID: decoded.ID, URL: decoded.URL}
	m.log.Info().Str("sandbox_id", info.ID).Str("project_id", projectID).Msg("ephemeral sandbox created")
	return &info, nil
}

func (m *Manager) DestroySandbox(ctx context.Context, sandboxID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, m.managerURL+"/api/sandboxes/"+sandboxID, nil)
	if err != nil {
		return err
	}
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("destroy sandbox: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("destroy sandbox: unexpected status %d", resp.StatusCode)
	}
	m.log.Info().Str("sandbox_id", sandboxID).Msg("ephemeral sandbox destroyed")
	return nil
}

func (m *Manager) ClientFor(info *adapter.SandboxInfo) adapter.SandboxClient {
	return NewClient(info.URL, m.token, m.readTimeout, m.log)
}
