package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Operation names a MemoryStore call for fault injection.
type Operation string

const (
	OperationWrite  Operation = "write"
	OperationRead   Operation = "read"
	OperationDelete Operation = "delete"
	OperationQuery  Operation = "query"
)

// FaultFunc decides whether a MemoryStore call fails. A nil error lets the call through.
type FaultFunc func(operation Operation, collection, key string) error

// MemoryStore is an in-process Store. Documents are copied through JSON on the way in
// so callers never share maps with the store, and values come back the way a wire
// store returns them (numbers as float64, arrays as []any).
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
	subscribers map[int64]*memorySubscriber
	nextID      int64
	fault       FaultFunc
	writes      int
}

type memorySubscriber struct {
	id       int64
	path     parsedPath
	signal   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	onChange func(Snapshot)
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]map[string]any),
		subscribers: make(map[int64]*memorySubscriber),
	}
}

// SetFault installs a fault hook; nil clears it.
func (m *MemoryStore) SetFault(fault FaultFunc) {
	m.mu.Lock()
	m.fault = fault
	m.mu.Unlock()
}

// WriteCount reports how many writes were accepted.
func (m *MemoryStore) WriteCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Count reports the number of documents in collection.
func (m *MemoryStore) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}

func (m *MemoryStore) Write(ctx context.Context, collection, key string, fields map[string]any, mode WriteMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateDocumentRef(collection, key); err != nil {
		return err
	}
	if err := m.checkFault(OperationWrite, collection, key); err != nil {
		return err
	}
	copied, err := copyFields(fields)
	if err != nil {
		return err
	}
	m.mu.Lock()
	documents, ok := m.collections[collection]
	if !ok {
		documents = make(map[string]map[string]any)
		m.collections[collection] = documents
	}
	existing, exists := documents[key]
	if mode == WriteMerge && exists {
		for field, value := range copied {
			existing[field] = value
		}
	} else {
		documents[key] = copied
	}
	m.writes++
	m.mu.Unlock()
	m.notify(collection, key)
	return nil
}

func (m *MemoryStore) Read(ctx context.Context, collection, key string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	if err := validateDocumentRef(collection, key); err != nil {
		return Document{}, err
	}
	if err := m.checkFault(OperationRead, collection, key); err != nil {
		return Document{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields, ok := m.collections[collection][key]
	if !ok {
		return Document{}, ErrNotFound
	}
	return Document{Key: key, Fields: cloneFields(fields)}, nil
}

func (m *MemoryStore) Delete(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateDocumentRef(collection, key); err != nil {
		return err
	}
	if err := m.checkFault(OperationDelete, collection, key); err != nil {
		return err
	}
	m.mu.Lock()
	_, existed := m.collections[collection][key]
	delete(m.collections[collection], key)
	m.mu.Unlock()
	if existed {
		m.notify(collection, key)
	}
	return nil
}

func (m *MemoryStore) QueryWhere(ctx context.Context, collection, field string, value any) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parsed, err := parsePath(collection)
	if err != nil {
		return nil, err
	}
	if parsed.document {
		return nil, fmt.Errorf("%w: %q is not a collection", ErrInvalidPath, collection)
	}
	if err := m.checkFault(OperationQuery, collection, ""); err != nil {
		return nil, err
	}
	wanted, err := normalizeValue(value)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]Document, 0)
	for key, fields := range m.collections[collection] {
		candidate, ok := fields[field]
		if !ok || !reflect.DeepEqual(candidate, wanted) {
			continue
		}
		results = append(results, Document{Key: key, Fields: cloneFields(fields)})
	}
	sortDocuments(results)
	return results, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, path string, onChange func(Snapshot), onError func(error)) (func(), error) {
	parsed, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	if onChange == nil {
		return nil, fmt.Errorf("remote: onChange callback is required")
	}
	m.mu.Lock()
	m.nextID++
	subscriber := &memorySubscriber{
		id:       m.nextID,
		path:     parsed,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		onChange: onChange,
	}
	m.subscribers[subscriber.id] = subscriber
	m.mu.Unlock()

	unsubscribe := func() {
		subscriber.stopOnce.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, subscriber.id)
			m.mu.Unlock()
			close(subscriber.done)
		})
	}

	subscriber.signal <- struct{}{}
	go m.deliver(subscriber)
	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-subscriber.done:
		}
	}()
	return unsubscribe, nil
}

func (m *MemoryStore) deliver(subscriber *memorySubscriber) {
	for {
		select {
		case <-subscriber.done:
			return
		case <-subscriber.signal:
		}
		snapshot := m.snapshot(subscriber.path)
		select {
		case <-subscriber.done:
			return
		default:
		}
		subscriber.onChange(snapshot)
	}
}

func (m *MemoryStore) snapshot(path parsedPath) Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	documents := m.collections[path.collection]
	if path.document {
		snapshot := Snapshot{Path: path.collection + "/" + path.key}
		if fields, ok := documents[path.key]; ok {
			snapshot.Documents = []Document{{Key: path.key, Fields: cloneFields(fields)}}
		}
		return snapshot
	}
	snapshot := Snapshot{Path: path.collection, Documents: make([]Document, 0, len(documents))}
	for key, fields := range documents {
		snapshot.Documents = append(snapshot.Documents, Document{Key: key, Fields: cloneFields(fields)})
	}
	sortDocuments(snapshot.Documents)
	return snapshot
}

func (m *MemoryStore) notify(collection, key string) {
	m.mu.RLock()
	targets := make([]*memorySubscriber, 0, len(m.subscribers))
	for _, subscriber := range m.subscribers {
		if subscriber.path.collection != collection {
			continue
		}
		if subscriber.path.document && subscriber.path.key != key {
			continue
		}
		targets = append(targets, subscriber)
	}
	m.mu.RUnlock()
	for _, subscriber := range targets {
		select {
		case subscriber.signal <- struct{}{}:
		default:
		}
	}
}

func (m *MemoryStore) checkFault(operation Operation, collection, key string) error {
	m.mu.RLock()
	fault := m.fault
	m.mu.RUnlock()
	if fault == nil {
		return nil
	}
	return fault(operation, collection, key)
}

func copyFields(fields map[string]any) (map[string]any, error) {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("remote: encode document: %w", err)
	}
	decoded := make(map[string]any)
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return nil, fmt.Errorf("remote: decode document: %w", err)
	}
	return decoded, nil
}

func normalizeValue(value any) (any, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("remote: encode query value: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return nil, fmt.Errorf("remote: decode query value: %w", err)
	}
	return decoded, nil
}

func cloneFields(fields map[string]any) map[string]any {
	copied, err := copyFields(fields)
	if err != nil {
		return map[string]any{}
	}
	return copied
}

func sortDocuments(documents []Document) {
	sort.Slice(documents, func(i, j int) bool {
		return documents[i].Key < documents[j].Key
	})
}
