package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"appforge/internal/domain"
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
