package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"

	"appforge/internal/domain"
	"appforge/internal/domain/model"
	"appforge/internal/domain/ports/adapter"
	"appforge/internal/domain/ports/repository"
	red "appforge/internal/infra/redis"
)

// memRedis is an in-memory stand-in for the broker. BRPopLPush never blocks:
// an empty source reports a timeout immediately, which keeps tests
// deterministic.
type memRedis struct {
	mu     sync.Mutex
	kv     map[string]string
	lists  map[string][]string
	hashes map[string]map[string]string
	zsets  map[string]map[string]float64

	published []string
}

var _ red.RedisClient = (*memRedis)(nil)

func newMemRedis() *memRedis {
	return &memRedis{
		kv:     make(map[string]string),
		lists:  make(map[string][]string),
		hashes: make(map[string]map[string]string),
		zsets:  make(map[string]map[string]float64),
	}
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func (m *memRedis) Ping(context.Context) error { return nil }

func (m *memRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = asString(value)
	return nil
}

func (m *memRedis) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (m *memRedis) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.kv, k)
	}
	return nil
}

func (m *memRedis) Expire(context.Context, string, time.Duration) error { return nil }

func (m *memRedis) LPush(_ context.Context, key string, values ...interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range values {
		m.lists[key] = append([]string{asString(v)}, m.lists[key]...)
	}
	return nil
}

func (m *memRedis) BRPopLPush(_ context.Context, source, destination string, _ time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.lists[source]
	if len(src) == 0 {
		return "", domain.ErrNotFound
	}
	v := src[len(src)-1]
	m.lists[source] = src[:len(src)-1]
	m.lists[destination] = append([]string{v}, m.lists[destination]...)
	return v, nil
}

func (m *memRedis) LRem(_ context.Context, key string, count int64, value interface{}) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := asString(value)
	var removed int64
	out := m.lists[key][:0:0]
	for _, v := range m.lists[key] {
		if v == want && (count == 0 || removed < count) {
			removed++
			continue
		}
		out = append(out, v)
	}
	m.lists[key] = out
	return removed, nil
}

func (m *memRedis) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	n := int64(len(l))
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = n + start
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

func (m *memRedis) LTrim(_ context.Context, key string, start, stop int64) error {
	kept, _ := m.LRange(context.Background(), key, start, stop)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = kept
	return nil
}

func (m *memRedis) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *memRedis) HSet(_ context.Context, key string, values ...interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[key] == nil {
		m.hashes[key] = make(map[string]string)
	}
	for i := 0; i+1 < len(values); i += 2 {
		m.hashes[key][asString(values[i])] = asString(values[i+1])
	}
	return nil
}

func (m *memRedis) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.hashes[key][field]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (m *memRedis) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *memRedis) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range fields {
		delete(m.hashes[key], f)
	}
	return nil
}

func (m *memRedis) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.zsets[key] == nil {
		m.zsets[key] = make(map[string]float64)
	}
	m.zsets[key][member] = score
	return nil
}

func (m *memRedis) ZRangeByScore(_ context.Context, key string, min, max string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var maxScore float64
	if max == "+inf" {
		maxScore = float64(1 << 62)
	} else {
		fmt.Sscanf(max, "%f", &maxScore)
	}
	type pair struct {
		member string
		score  float64
	}
	var due []pair
	for member, score := range m.zsets[key] {
		if score <= maxScore {
			due = append(due, pair{member, score})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].score < due[j].score })
	out := make([]string, len(due))
	for i, p := range due {
		out[i] = p.member
	}
	return out, nil
}

func (m *memRedis) ZRem(_ context.Context, key string, members ...interface{}) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for _, member := range members {
		s := asString(member)
		if _, ok := m.zsets[key][s]; ok {
			delete(m.zsets[key], s)
			removed++
		}
	}
	return removed, nil
}

func (m *memRedis) Publish(_ context.Context, _ string, message interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, asString(message))
	return nil
}

func (m *memRedis) Subscribe(ctx context.Context, _ string) (<-chan string, func() error) {
	ch := make(chan string)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, func() error { return nil }
}

func (m *memRedis) Close() error { return nil }

// ----- repositories and adapters -----

type mockTxManager struct{}

func (m *mockTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, nil)
}

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
	return true, nil
}

func (r *mockBuildRepo) SetValidating(context.Context, string) error { return nil }

func (r *mockBuildRepo) SetCurrentTicket(context.Context, string, string) error { return nil }

func (r *mockBuildRepo) SetCheckpoint(_ context.Context, id, commit string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		job.CheckpointCommit = commit
	}
	return nil
}

func (r *mockBuildRepo) SetSubmitStatus(context.Context, string, model.SubmitStatus, string) error {
	return nil
}

func (r *mockBuildRepo) Finish(_ context.Context, id string, status model.BuildJobStatus, costUSD float64, completed, failed int, errMsg string) (bool, error) {
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
	mu        sync.Mutex
	cancelled []string
}

func (r *mockTicketRepo) ReplaceForJob(context.Context, repository.Tx, string, []*model.Ticket) error {
	return nil
}

func (r *mockTicketRepo) ListByJob(context.Context, string) ([]*model.Ticket, error) { return nil, nil }

func (r *mockTicketRepo) UpdateByExternalID(context.Context, string, string, model.TicketStatus, float64, string) error {
	return nil
}

func (r *mockTicketRepo) CancelOpen(_ context.Context, jobIDs []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, jobIDs...)
	return int64(len(jobIDs)), nil
}

func (r *mockTicketRepo) CountByJob(context.Context, string) (int, int, error) { return 0, 0, nil }

type mockSessionRepo struct{}

func (r *mockSessionRepo) FindByID(context.Context, repository.Tx, string) (*model.ChatSession, error) {
	return nil, domain.ErrNotFound
}

func (r *mockSessionRepo) SetPRNumberOnce(context.Context, string, int) (bool, error) {
	return true, nil
}

type mockEnvRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.EnvironmentJob
}

func newMockEnvRepo() *mockEnvRepo { return &mockEnvRepo{jobs: make(map[string]*model.EnvironmentJob)} }

func (r *mockEnvRepo) Save(_ context.Context, _ repository.Tx, job *model.EnvironmentJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
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

func (r *mockEnvRepo) MarkRunning(context.Context, string, time.Time) (bool, error) { return true, nil }

func (r *mockEnvRepo) Finish(context.Context, string, model.JobStatus, string, float64, string) (bool, error) {
	return true, nil
}

type mockDeployRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.DeployJob
}

func newMockDeployRepo() *mockDeployRepo { return &mockDeployRepo{jobs: make(map[string]*model.DeployJob)} }

func (r *mockDeployRepo) Save(_ context.Context, _ repository.Tx, job *model.DeployJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
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

func (r *mockDeployRepo) MarkRunning(context.Context, string, time.Time) (bool, error) {
	return true, nil
}

func (r *mockDeployRepo) Finish(context.Context, string, model.JobStatus, []string, float64, string) (bool, error) {
	return true, nil
}

func (r *mockDeployRepo) ListStalePreviews(context.Context, time.Time) ([]*model.DeployJob, error) {
	return nil, nil
}

func (r *mockDeployRepo) MarkPreviewRemoved(context.Context, string) error { return nil }

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
	r.jobs[job.ID] = job
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

func (r *mockMaintRepo) ListEnabledJobs(context.Context) ([]*model.MaintenanceJob, error) {
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
	r.runs[run.ID] = run
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

func (r *mockMaintRepo) MarkRunRunning(context.Context, string, time.Time) (bool, error) {
	return true, nil
}

func (r *mockMaintRepo) FinishRun(context.Context, string, model.JobStatus, string, string) (bool, error) {
	return true, nil
}

// mockSandboxClient records halt/reset commands issued by the cancel
// orchestrator.
type mockSandboxClient struct {
	mu       sync.Mutex
	commands []string
	bodies   []any
}

func (c *mockSandboxClient) Stream(context.Context, string, any) (adapter.SandboxStream, error) {
	return nil, domain.ErrStreamClosed
}

func (c *mockSandboxClient) Command(_ context.Context, path string, body any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, path)
	c.bodies = append(c.bodies, body)
	return nil
}

type mockResolver struct {
	client *mockSandboxClient
}

func (r *mockResolver) ForProject(string) adapter.SandboxClient { return r.client }
