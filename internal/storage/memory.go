package storage

import (
	"context"
	"sync"
)

// Op names a broker operation for fault injection and call accounting.
type Op string

const (
	OpPut    Op = "put"
	OpGet    Op = "get"
	OpDelete Op = "delete"
	OpExists Op = "exists"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryBroker keeps payloads in process memory. It backs development mode and
// tests, where InjectFault simulates store outages.
type MemoryBroker struct {
	mu      sync.Mutex
	objects map[string]memoryObject
	faults  map[Op]error
	calls   map[Op]int
}

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		objects: make(map[string]memoryObject),
		faults:  make(map[Op]error),
		calls:   make(map[Op]int),
	}
}

// InjectFault makes every subsequent op fail with err wrapped in ErrUnavailable.
// A nil err clears the fault.
func (m *MemoryBroker) InjectFault(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults, op)
		return
	}
	m.faults[op] = err
}

// Calls reports how many times op has been invoked.
func (m *MemoryBroker) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Len reports the number of stored objects.
func (m *MemoryBroker) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Remove drops key without going through Delete, as an out-of-band loss would.
func (m *MemoryBroker) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
}

func (m *MemoryBroker) begin(ctx context.Context, op Op, key string) error {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return unavailable(string(op), key, err)
	}
	if err, ok := m.faults[op]; ok {
		return unavailable(string(op), key, err)
	}
	return nil
}

// Put stores a copy of data under key.
func (m *MemoryBroker) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpPut, key); err != nil {
		return "", err
	}
	m.objects[key] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	return key, nil
}

// Get returns a copy of the payload stored under key.
func (m *MemoryBroker) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpGet, key); err != nil {
		return nil, err
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return append([]byte(nil), obj.data...), nil
}

// Delete removes key.
func (m *MemoryBroker) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpDelete, key); err != nil {
		return err
	}
	if _, ok := m.objects[key]; !ok {
		return ErrObjectNotFound
	}
	delete(m.objects, key)
	return nil
}

// Exists reports whether key is stored.
func (m *MemoryBroker) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpExists, key); err != nil {
		return false, err
	}
	_, ok := m.objects[key]
	return ok, nil
}

var _ Broker = (*MemoryBroker)(nil)
