// Package memory provides an in-memory implementation of the record store
// used for tests, ephemeral environments and as the transactional core of
// the SQL-backed stores.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"lobkit/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Record aliases domain.Record.
	Record = domain.Record
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	buckets map[domain.EntityType]map[string]Record
	seq     int64
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Buckets map[domain.EntityType]map[string]Record `json:"buckets"`
}

func newMemoryState() memoryState {
	return memoryState{buckets: make(map[domain.EntityType]map[string]Record)}
}

// clone copies the bucket maps. Records are replaced rather than mutated in
// place, so payload bytes can be shared between the copies.
func (s memoryState) clone() memoryState {
	out := memoryState{buckets: make(map[domain.EntityType]map[string]Record, len(s.buckets)), seq: s.seq}
	for entity, bucket := range s.buckets {
		copied := make(map[string]Record, len(bucket))
		for k, v := range bucket {
			copied[k] = v
		}
		out.buckets[entity] = copied
	}
	return out
}

func (s *memoryState) bucket(entity domain.EntityType) map[string]Record {
	b, ok := s.buckets[entity]
	if !ok {
		b = make(map[string]Record)
		s.buckets[entity] = b
	}
	return b
}

func snapshotOf(state memoryState, only map[domain.EntityType]bool) Snapshot {
	snap := Snapshot{Buckets: make(map[domain.EntityType]map[string]Record)}
	for entity, bucket := range state.buckets {
		if only != nil && !only[entity] {
			continue
		}
		copied := make(map[string]Record, len(bucket))
		for k, v := range bucket {
			copied[k] = v.Clone()
		}
		snap.Buckets[entity] = copied
	}
	for entity := range only {
		if _, ok := snap.Buckets[entity]; !ok {
			snap.Buckets[entity] = map[string]Record{}
		}
	}
	return snap
}

func stateFromSnapshot(snap Snapshot) memoryState {
	state := newMemoryState()
	for entity, bucket := range snap.Buckets {
		copied := make(map[string]Record, len(bucket))
		for k, v := range bucket {
			v.Entity = entity
			v.Key = k
			copied[k] = v.Clone()
			if v.Seq > state.seq {
				state.seq = v.Seq
			}
		}
		state.buckets[entity] = copied
	}
	return state
}

// Commit describes a transaction that passed rule evaluation and is about to
// become visible. Buckets holds the full post-commit contents of every
// bucket the transaction touched.
type Commit struct {
	Options domain.TxOptions
	Changes []Change
	Buckets map[domain.EntityType]map[string]Record
}

// CommitHook runs before a commit becomes visible. An error aborts the
// transaction and leaves the store unchanged.
type CommitHook func(ctx context.Context, commit Commit) error

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithCommitHook registers a hook run for every successful transaction.
func WithCommitHook(hook CommitHook) Option {
	return func(s *Store) {
		if hook != nil {
			s.hooks = append(s.hooks, hook)
		}
	}
}

// Store provides an in-memory transactional record store.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
	hooks  []CommitHook
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotOf(s.state, nil)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateFromSnapshot(snapshot)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// AddCommitHook registers a hook after construction. Used by the durable
// stores that wrap this one.
func (s *Store) AddCommitHook(hook CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// RunInTransaction applies fn to a private copy of the state, evaluates the
// rules, runs the commit hooks and only then swaps the copy in. Any failure
// or cancellation discards the copy.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error, opts ...domain.TxOption) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	tx := &transaction{
		state:   s.state.clone(),
		now:     s.nowFn(),
		touched: make(map[domain.EntityType]bool),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	if len(tx.changes) > 0 && len(s.hooks) > 0 {
		commit := Commit{
			Options: domain.ApplyTxOptions(opts...),
			Changes: tx.changes,
			Buckets: snapshotOf(tx.state, tx.touched).Buckets,
		}
		for _, hook := range s.hooks {
			if err := hook(ctx, commit); err != nil {
				return result, fmt.Errorf("commit: %w", err)
			}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()

	return fn(newTransactionView(&snapshot))
}

// Close releases nothing; it exists to satisfy domain.PersistentStore.
func (s *Store) Close() error { return nil }

type transaction struct {
	state   memoryState
	changes []Change
	now     time.Time
	touched map[domain.EntityType]bool
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// Entities lists the non-empty buckets in name order.
func (v transactionView) Entities() []domain.EntityType {
	out := make([]domain.EntityType, 0, len(v.state.buckets))
	for entity, bucket := range v.state.buckets {
		if len(bucket) > 0 {
			out = append(out, entity)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// List returns the records of a bucket in insertion order.
func (v transactionView) List(entity domain.EntityType) []Record {
	bucket := v.state.buckets[entity]
	out := make([]Record, 0, len(bucket))
	for _, r := range bucket {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Find looks up a record by key.
func (v transactionView) Find(entity domain.EntityType, key string) (Record, bool) {
	r, ok := v.state.buckets[entity][key]
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
	tx.touched[change.Entity] = true
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// Insert stores a new record; the key must not exist yet.
func (tx *transaction) Insert(entity domain.EntityType, key string, payload json.RawMessage) (Record, error) {
	bucket := tx.state.bucket(entity)
	if _, exists := bucket[key]; exists {
		return Record{}, &domain.DuplicateKeyError{Entity: entity, Key: keyValues(key)}
	}
	tx.state.seq++
	rec := Record{
		Entity:    entity,
		Key:       key,
		Payload:   payload,
		Version:   1,
		Seq:       tx.state.seq,
		CreatedAt: tx.now,
		UpdatedAt: tx.now,
	}
	rec = rec.Clone()
	bucket[key] = rec
	tx.recordChange(Change{Entity: entity, Action: domain.ActionCreate, Key: key, Before: domain.UndefinedChangePayload(), After: domain.NewChangePayload(rec.Payload)})
	return rec.Clone(), nil
}

// Update replaces the payload of an existing record.
func (tx *transaction) Update(entity domain.EntityType, key string, payload json.RawMessage) (Record, error) {
	bucket := tx.state.bucket(entity)
	current, ok := bucket[key]
	if !ok {
		return Record{}, &domain.NotFoundError{Entity: entity, Key: keyValues(key)}
	}
	next := current
	next.Payload = payload
	next.Version = current.Version + 1
	next.UpdatedAt = tx.now
	next = next.Clone()
	bucket[key] = next
	tx.recordChange(Change{Entity: entity, Action: domain.ActionUpdate, Key: key, Before: domain.NewChangePayload(current.Payload), After: domain.NewChangePayload(next.Payload)})
	return next.Clone(), nil
}

// Delete removes a record.
func (tx *transaction) Delete(entity domain.EntityType, key string) error {
	bucket := tx.state.bucket(entity)
	current, ok := bucket[key]
	if !ok {
		return &domain.NotFoundError{Entity: entity, Key: keyValues(key)}
	}
	delete(bucket, key)
	tx.recordChange(Change{Entity: entity, Action: domain.ActionDelete, Key: key, Before: domain.NewChangePayload(current.Payload), After: domain.UndefinedChangePayload()})
	return nil
}

func keyValues(key string) []any {
	values, err := domain.DecodeKey(key)
	if err != nil {
		return []any{key}
	}
	return values
}
