// storage/memory.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"fmt"
	u "github.com/mmp/ebk/util"
	"sort"
	"strings"
	"sync"
	"time"
)

type memVersion struct {
	id       string
	data     []byte
	marker   bool
	modified time.Time
}

// Memory is a versioned ObjectStore that keeps everything in RAM.  It's
// really only useful for testing of code built on top of ObjectStore: it
// counts calls and can be told to fail them, so that tests can check
// which requests reach a given tier.
type Memory struct {
	name     string
	mu       sync.Mutex
	objects  map[string][]memVersion // oldest first
	nextID   int
	pageSize int
	calls    map[string]int
	prefixes map[string]int
	faults   map[string][]error
	delay    time.Duration
}

// NewMemory returns a *Memory. pageSize bounds the number of entries
// returned by each List and ListVersions call; zero gives 1000.
func NewMemory(name string, pageSize int) *Memory {
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &Memory{
		name:     name,
		objects:  make(map[string][]memVersion),
		pageSize: pageSize,
		calls:    make(map[string]int),
		prefixes: make(map[string]int),
		faults:   make(map[string][]error),
	}
}

func (m *Memory) String() string {
	return "memory:" + m.name
}

// Calls returns the number of times the named method ("Put", "Get",
// "List", "ListVersions", "DeleteBatch") has been called.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// CallsWithPrefix returns how many Get or Put calls named a key with the
// given prefix, e.g. CallsWithPrefix("Get", ChunkPrefix).
func (m *Memory) CallsWithPrefix(op, prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, c := range m.prefixes {
		if strings.HasPrefix(k, op+" "+prefix) {
			n += c
		}
	}
	return n
}

func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = make(map[string]int)
	m.prefixes = make(map[string]int)
}

// FailNext makes the next len(errs) calls of the named method return the
// given errors, in order.
func (m *Memory) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], errs...)
}

// SetDelay makes every call block for d or until its context is done.
func (m *Memory) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Corrupt replaces the current contents of key in place, without creating
// a new version. It returns false if there is no such object.
func (m *Memory) Corrupt(key string, f func([]byte) []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.objects[key]
	if len(v) == 0 || v[len(v)-1].marker {
		return false
	}
	v[len(v)-1].data = f(u.Dupe(v[len(v)-1].data))
	return true
}

// NumVersions returns the total number of stored versions, including
// delete markers.
func (m *Memory) NumVersions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.objects {
		n += len(v)
	}
	return n
}

// enter records the call and returns any injected fault. It must be
// called without m.mu held.
func (m *Memory) enter(ctx context.Context, op, key string) error {
	m.mu.Lock()
	m.calls[op]++
	if key != "" {
		m.prefixes[op+" "+key]++
	}
	delay := m.delay
	var fault error
	if f := m.faults[op]; len(f) > 0 {
		fault = f[0]
		m.faults[op] = f[1:]
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fault != nil {
		return fault
	}
	return ctx.Err()
}

func (m *Memory) Put(ctx context.Context, key string, data []byte) error {
	if err := m.enter(ctx, "Put", key); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.objects[key] = append(m.objects[key], memVersion{
		id:       fmt.Sprintf("%012d", m.nextID),
		data:     u.Dupe(data),
		modified: time.Now(),
	})
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := m.enter(ctx, "Get", key); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.objects[key]
	if len(v) == 0 || v[len(v)-1].marker {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return u.Dupe(v[len(v)-1].data), nil
}

func (m *Memory) sortedKeys(prefix string) []string {
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *Memory) List(ctx context.Context, prefix, token string) (ListPage, error) {
	if err := m.enter(ctx, "List", ""); err != nil {
		return ListPage{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var page ListPage
	for _, k := range m.sortedKeys(prefix) {
		if k <= token {
			continue
		}
		v := m.objects[k]
		cur := v[len(v)-1]
		if cur.marker {
			continue
		}
		if len(page.Objects) == m.pageSize {
			page.Next = page.Objects[len(page.Objects)-1].Key
			break
		}
		page.Objects = append(page.Objects, ObjectInfo{
			Key:          k,
			Size:         int64(len(cur.data)),
			LastModified: cur.modified,
		})
	}
	return page, nil
}

// Version tokens are "key\x00versionID" of the last entry returned.
// Versions of a key are listed newest first, as S3 does.
func (m *Memory) ListVersions(ctx context.Context, prefix, token string) (VersionPage, error) {
	if err := m.enter(ctx, "ListVersions", ""); err != nil {
		return VersionPage{}, err
	}

	afterKey, afterID := token, ""
	if i := strings.IndexByte(token, 0); i >= 0 {
		afterKey, afterID = token[:i], token[i+1:]
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var page VersionPage
	for _, k := range m.sortedKeys(prefix) {
		if token != "" && k < afterKey {
			continue
		}
		v := m.objects[k]
		for i := len(v) - 1; i >= 0; i-- {
			// Newest first means that ids decrease within a key.
			if token != "" && k == afterKey && v[i].id >= afterID {
				continue
			}
			if len(page.Versions) == m.pageSize {
				last := page.Versions[len(page.Versions)-1]
				page.Next = last.Key + "\x00" + last.VersionID
				return page, nil
			}
			page.Versions = append(page.Versions, ObjectVersion{Key: k, VersionID: v[i].id})
		}
	}
	return page, nil
}

func (m *Memory) DeleteBatch(ctx context.Context, objs []ObjectVersion) error {
	if err := m.enter(ctx, "DeleteBatch", ""); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range objs {
		v := m.objects[o.Key]
		if len(v) == 0 {
			continue
		}
		if o.VersionID == "" {
			// Versioned semantics: hide the object behind a delete marker.
			if !v[len(v)-1].marker {
				m.nextID++
				m.objects[o.Key] = append(v, memVersion{
					id:       fmt.Sprintf("%012d", m.nextID),
					marker:   true,
					modified: time.Now(),
				})
			}
			continue
		}
		for i := range v {
			if v[i].id == o.VersionID {
				v = append(v[:i], v[i+1:]...)
				break
			}
		}
		if len(v) == 0 {
			delete(m.objects, o.Key)
		} else {
			m.objects[o.Key] = v
		}
	}
	return nil
}
