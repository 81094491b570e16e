package worker

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"

	"appforge/internal/domain"
	"appforge/internal/domain/model"
	"appforge/internal/domain/ports/adapter"
	"appforge/internal/domain/ports/repository"
)

// ----- transaction manager -----

type mockTxManager struct{}

func (m *mockTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, nil)
}

// ----- cancellation signals -----

type mockCancels struct {
	mu      sync.Mutex
	flags   map[string]bool
	cleared []string
}

func newMockCancels() *mockCancels {
	return &mockCancels{flags: make(map[string]bool)}
}

func (m *mockCancels) Signal(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[jobID] = true
}

func (m *mockCancels) IsCancelled(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags[jobID], nil
}

func (m *mockCancels) Clear(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags, jobID)
	m.cleared = append(m.cleared, jobID)
	return nil
}

// ----- sandbox stream, client, resolver, lifecycle -----

type scriptedStream struct {
	events []*adapter.SandboxEvent
	pos    int
	// onNext runs before each read; used to flip cancel flags mid-stream.
	onNext func(pos int)
}

func (s *scriptedStream) Next(ctx context.Context) (*adapter.SandboxEvent, error) {
	if s.onNext != nil {
		s.onNext(s.pos)
	}
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *scriptedStream) Close() error { return nil }

func ev(eventType string, payload any) *adapter.SandboxEvent {
	b, _ := json.Marshal(payload)
	return &adapter.SandboxEvent{Type: eventType, Data: b}
}

type mockSandboxClient struct {
	stream    adapter.SandboxStream
	streamErr error
	commands  []string
}

func (c *mockSandboxClient) Stream(_ context.Context, path string, _ any) (adapter.SandboxStream, error) {
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	return c.stream, nil
}

func (c *mockSandboxClient) Command(_ context.Context, path string, _ any) error {
	c.commands = append(c.commands, path)
	return nil
}

type mockResolver struct {
	client *mockSandboxClient
}

func (r *mockResolver) ForProject(string) adapter.SandboxClient { return r.client }

type mockLifecycle struct {
	client    *mockSandboxClient
	created   []string
	destroyed []string
}

func (l *mockLifecycle) CreateSandbox(_ context.Context, projectID string) (*adapter.SandboxInfo, error) {
	l.created = append(l.created, projectID)
	return &adapter.SandboxInfo{ID: "sbx-" + projectID, URL: "http://sbx"}, nil
}

func (l *mockLifecycle) DestroySandbox(_ context.Context, sandboxID string) error {
	l.destroyed = append(l.destroyed, sandboxID)
	return nil
}

func (l *mockLifecycle) ClientFor(*adapter.SandboxInfo) adapter.SandboxClient { return l.client }

// ----- repositories -----

type mockBuildRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.BuildJob
}

func newMockBuildRepo() *mockBuildRepo {
	return &mockBuildRepo{jobs: make(map[string]*model.BuildJob)}
}

func (r *mockBuildRepo) Save(_ context.Context, _ repository.Tx, job *model.BuildJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *mockBuildRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.BuildJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (r *mockBuildRepo) MarkRunning(_ context.Context, id string, startedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || !job.Status.Active() {
		return false, nil
	}
	job.Status = model.BuildStatusRunning
	if job.StartedAt == nil {
		job.StartedAt = &startedAt
	}
	return true, nil
}

func (r *mockBuildRepo) SetValidating(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok && job.Status == model.BuildStatusRunning {
		job.Status = model.BuildStatusValidating
	}
	return nil
}

func (r *mockBuildRepo) SetCurrentTicket(_ context.Context, id, externalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		job.CurrentTicket = externalID
	}
	return nil
}

func (r *mockBuildRepo) SetCheckpoint(_ context.Context, id, commit string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		job.CheckpointCommit = commit
	}
	return nil
}

func (r *mockBuildRepo) SetSubmitStatus(_ context.Context, id string, status model.SubmitStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		job.SubmitStatus = status
		if errMsg != "" {
			job.LastError = errMsg
		}
	}
	return nil
}

func (r *mockBuildRepo) Finish(_ context.Context, id string, status model.BuildJobStatus, costUSD float64, completed, failed int, errMsg string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || !job.Status.Active() {
		return false, nil
	}
	job.Status = status
	job.CostUSD = costUSD
	job.CompletedTickets = completed
	job.FailedTickets = failed
	job.LastError = errMsg
	return true, nil
}

func (r *mockBuildRepo) CancelActive(_ context.Context, ids []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, id := range ids {
		if job, ok := r.jobs[id]; ok && job.Status.Active() {
			job.Status = model.BuildStatusCancelled
			n++
		}
	}
	return n, nil
}

type mockTicketRepo struct {
	mu      sync.Mutex
	tickets map[string][]*model.Ticket // keyed by build job id
}

func newMockTicketRepo() *mockTicketRepo {
	return &mockTicketRepo{tickets: make(map[string][]*model.Ticket)}
}

func (r *mockTicketRepo) ReplaceForJob(_ context.Context, _ repository.Tx, jobID string, tickets []*model.Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.Ticket, len(tickets))
	for i, t := range tickets {
		cp := *t
		cp.BuildJobID = jobID
		out[i] = &cp
	}
	r.tickets[jobID] = out
	return nil
}

func (r *mockTicketRepo) ListByJob(_ context.Context, jobID string) ([]*model.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tickets[jobID], nil
}

func (r *mockTicketRepo) UpdateByExternalID(_ context.Context, jobID, externalID string, status model.TicketStatus, costUSD float64, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tickets[jobID] {
		if t.ExternalID == externalID {
			t.Status = status
			t.CostUSD += costUSD
			t.LastError = errMsg
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *mockTicketRepo) CancelOpen(_ context.Context, jobIDs []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, id := range jobIDs {
		for _, t := range r.tickets[id] {
			if t.Status == model.TicketStatusTodo || t.Status == model.TicketStatusInProgress {
				t.Status = model.TicketStatusCancelled
				n++
			}
		}
	}
	return n, nil
}

func (r *mockTicketRepo) CountByJob(_ context.Context, jobID string) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var done, failed int
	for _, t := range r.tickets[jobID] {
		switch t.Status {
		case model.TicketStatusDone:
			done++
		case model.TicketStatusError:
			failed++
		}
	}
	return done, failed, nil
}

type mockSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.ChatSession
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{sessions: make(map[string]*model.ChatSession)}
}

func (r *mockSessionRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

func (r *mockSessionRepo) SetPRNumberOnce(_ context.Context, id string, prNumber int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = &model.ChatSession{ID: id}
		r.sessions[id] = s
	}
	if s.PRNumber != nil {
		return false, nil
	}
	s.PRNumber = &prNumber
	return true, nil
}

type mockEnvRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.EnvironmentJob
}

func newMockEnvRepo() *mockEnvRepo {
	return &mockEnvRepo{jobs: make(map[string]*model.EnvironmentJob)}
}

func (r *mockEnvRepo) Save(_ context.Context, _ repository.Tx, job *model.EnvironmentJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *mockEnvRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.EnvironmentJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

func (r *mockEnvRepo) MarkRunning(_ context.Context, id string, startedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || !job.Status.Active() {
		return false, nil
	}
	job.Status = model.JobStatusRunning
	if job.StartedAt == nil {
		job.StartedAt = &startedAt
	}
	return true, nil
}

func (r *mockEnvRepo) Finish(_ context.Context, id string, status model.JobStatus, result string, costUSD float64, errMsg string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || (job.Status != model.JobStatusPending && job.Status != model.JobStatusRunning) {
		return false, nil
	}
	job.Status = status
	job.Result = result
	job.CostUSD = costUSD
	job.LastError = errMsg
	return true, nil
}

type mockDeployRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.DeployJob

	stale   []*model.DeployJob
	removed []string
}

func newMockDeployRepo() *mockDeployRepo {
	return &mockDeployRepo{jobs: make(map[string]*model.DeployJob)}
}

func (r *mockDeployRepo) Save(_ context.Context, _ repository.Tx, job *model.DeployJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *mockDeployRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.DeployJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

func (r *mockDeployRepo) MarkRunning(_ context.Context, id string, startedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || !job.Status.Active() {
		return false, nil
	}
	job.Status = model.JobStatusRunning
	if job.StartedAt == nil {
		job.StartedAt = &startedAt
	}
	return true, nil
}

func (r *mockDeployRepo) Finish(_ context.Context, id string, status model.JobStatus, serviceURLs []string, costUSD float64, errMsg string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || (job.Status != model.JobStatusPending && job.Status != model.JobStatusRunning) {
		return false, nil
	}
	job.Status = status
	job.ServiceURLs = serviceURLs
	job.CostUSD = costUSD
	job.LastError = errMsg
	return true, nil
}

func (r *mockDeployRepo) ListStalePreviews(_ context.Context, _ time.Time) ([]*model.DeployJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stale, nil
}

func (r *mockDeployRepo) MarkPreviewRemoved(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
	return nil
}

type mockMaintRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.MaintenanceJob
	runs map[string]*model.MaintenanceJobRun
}

func newMockMaintRepo() *mockMaintRepo {
	return &mockMaintRepo{
		jobs: make(map[string]*model.MaintenanceJob),
		runs: make(map[string]*model.MaintenanceJobRun),
	}
}

func (r *mockMaintRepo) SaveJob(_ context.Context, _ repository.Tx, job *model.MaintenanceJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *mockMaintRepo) FindJob(_ context.Context, _ repository.Tx, id string) (*model.MaintenanceJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

func (r *mockMaintRepo) ListEnabledJobs(_ context.Context) ([]*model.MaintenanceJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.MaintenanceJob
	for _, j := range r.jobs {
		if j.Enabled {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *mockMaintRepo) SaveRun(_ context.Context, _ repository.Tx, run *model.MaintenanceJobRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *run
	r.runs[run.ID] = &cp
	return nil
}

func (r *mockMaintRepo) FindRun(_ context.Context, _ repository.Tx, id string) (*model.MaintenanceJobRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return run, nil
}

func (r *mockMaintRepo) MarkRunRunning(_ context.Context, id string, startedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok || !run.Status.Active() {
		return false, nil
	}
	run.Status = model.JobStatusRunning
	if run.StartedAt == nil {
		run.StartedAt = &startedAt
	}
	return true, nil
}

func (r *mockMaintRepo) FinishRun(_ context.Context, id string, status model.JobStatus, log string, errMsg string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok || (run.Status != model.JobStatusPending && run.Status != model.JobStatusRunning) {
		return false, nil
	}
	run.Status = status
	run.Log = log
	run.LastError = errMsg
	return true, nil
}
