package calendar

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// MemoryProvider keeps events in memory. It backs tests and dry-run mode,
// counts calls per operation and can be scripted to fail.
type MemoryProvider struct {
	mu      sync.Mutex
	events  map[string]Event
	byToken map[string]string
	nextID  int
	calls   map[string]int
	failing map[string][]int
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		events:  make(map[string]Event),
		byToken: make(map[string]string),
		calls:   make(map[string]int),
		failing: make(map[string][]int),
	}
}

// FailNext makes the next n calls of op ("lookup", "create", "patch",
// "delete") return status. Status 0 simulates a timeout.
func (m *MemoryProvider) FailNext(op string, status, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.failing[op] = append(m.failing[op], status)
	}
}

// Calls returns how many times op was invoked, failures included.
func (m *MemoryProvider) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Event returns the stored event with the given id.
func (m *MemoryProvider) Event(id string) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	return ev, ok
}

// Len returns the number of stored events.
func (m *MemoryProvider) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// Remove deletes an event behind the syncer's back.
func (m *MemoryProvider) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.events[id]; ok {
		delete(m.byToken, ev.Token)
		delete(m.events, id)
	}
}

// begin counts the call and pops a scripted failure. Caller holds m.mu.
func (m *MemoryProvider) begin(op string) (Result, bool) {
	m.calls[op]++
	queue := m.failing[op]
	if len(queue) == 0 {
		return Result{}, false
	}
	status := queue[0]
	m.failing[op] = queue[1:]
	if status == 0 {
		return Failure(0, context.DeadlineExceeded), true
	}
	return Failure(status, fmt.Errorf("scripted %s failure", op)), true
}

func (m *MemoryProvider) Lookup(ctx context.Context, token string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, failed := m.begin("lookup"); failed {
		return res
	}
	id, ok := m.byToken[token]
	if !ok {
		return Failure(http.StatusNotFound, nil)
	}
	return Result{OK: true, ExternalID: id, HTTPStatus: http.StatusOK}
}

func (m *MemoryProvider) Create(ctx context.Context, ev Event) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, failed := m.begin("create"); failed {
		return res
	}
	if id, ok := m.byToken[ev.Token]; ok {
		return Failure(http.StatusConflict, fmt.Errorf("event %s already carries token %s", id, ev.Token))
	}
	m.nextID++
	id := fmt.Sprintf("mem%d", m.nextID)
	m.events[id] = ev
	m.byToken[ev.Token] = id
	return Result{OK: true, ExternalID: id, HTTPStatus: http.StatusOK}
}

func (m *MemoryProvider) Patch(ctx context.Context, externalID string, ev Event) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, failed := m.begin("patch"); failed {
		return res
	}
	cur, ok := m.events[externalID]
	if !ok {
		return Failure(http.StatusNotFound, nil)
	}
	ev.Token = cur.Token
	m.events[externalID] = ev
	return Result{OK: true, ExternalID: externalID, HTTPStatus: http.StatusOK}
}

func (m *MemoryProvider) Delete(ctx context.Context, externalID string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, failed := m.begin("delete"); failed {
		return res
	}
	ev, ok := m.events[externalID]
	if !ok {
		return Failure(http.StatusGone, nil)
	}
	delete(m.byToken, ev.Token)
	delete(m.events, externalID)
	return Result{OK: true, ExternalID: externalID, HTTPStatus: http.StatusNoContent}
}
