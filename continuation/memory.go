package continuation

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used by tests and by single-process
// deployments that don't need durability.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*PendingContinuation
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*PendingContinuation)}
}

func (s *MemoryStore) Save(ctx context.Context, pc *PendingContinuation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[pc.ReqID] = pc
	return nil
}

func (s *MemoryStore) Peek(ctx context.Context, reqID string) (*PendingContinuation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.data[reqID]
	return pc, ok, nil
}

func (s *MemoryStore) LoadAndDelete(ctx context.Context, reqID string) (*PendingContinuation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.data[reqID]
	if ok {
		delete(s.data, reqID)
	}
	return pc, ok, nil
}

var _ Store = (*MemoryStore)(nil)

// MemoryAlarms is an in-process AlarmScheduler: one timer per alarm, with
// the same claim discipline as the Redis scheduler — exactly one of
// {Cancel, fire} wins for a given id.
type MemoryAlarms struct {
	// OnFire is invoked (on a timer goroutine) for every alarm that reaches
	// its due time unclaimed.
	OnFire func(id, payload string)

	mu      sync.Mutex
	pending map[string]*memAlarm
}

type memAlarm struct {
	payload string
	timer   *time.Timer
}

// NewMemoryAlarms returns a scheduler delivering fires to onFire.
func NewMemoryAlarms(onFire func(id, payload string)) *MemoryAlarms {
	return &MemoryAlarms{OnFire: onFire, pending: make(map[string]*memAlarm)}
}

func (a *MemoryAlarms) Schedule(ctx context.Context, id string, fireAt time.Time, payload string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	alarm := &memAlarm{payload: payload}
	alarm.timer = time.AfterFunc(time.Until(fireAt), func() {
		payload, claimed := a.claim(id)
		if claimed && a.OnFire != nil {
			a.OnFire(id, payload)
		}
	})
	a.pending[id] = alarm
	return nil
}

func (a *MemoryAlarms) Cancel(ctx context.Context, id string) (bool, error) {
	_, claimed := a.claim(id)
	return claimed, nil
}

func (a *MemoryAlarms) claim(id string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alarm, ok := a.pending[id]
	if !ok {
		return "", false
	}
	delete(a.pending, id)
	alarm.timer.Stop()
	return alarm.payload, true
}

var _ AlarmScheduler = (*MemoryAlarms)(nil)
