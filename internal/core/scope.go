package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"lobkit/pkg/domain"
)

// EntityState tracks an entity instance within a scope.
type EntityState int

// Entity states. Instances start Detached, become Staged once handed to a
// mutating DAO call, and end Committed or Rejected.
const (
	Detached EntityState = iota
	Staged
	Committed
	Rejected
)

func (s EntityState) String() string {
	switch s {
	case Staged:
		return "staged"
	case Committed:
		return "committed"
	case Rejected:
		return "rejected"
	default:
		return "detached"
	}
}

type stagedOp struct {
	entity    domain.EntityType
	action    domain.Action
	key       string
	keyValues []any
	ref       any
	// encode renders the entity at save time so mutations after staging are kept.
	encode func() (json.RawMessage, error)
	// rekey encodes the entity's key as it is now.
	rekey    func() (string, error)
	validate func() []domain.PropertyProblem
}

// Scope is a unit of work. It owns one DAO per entity type and the ordered
// list of staged operations those DAOs produced. A scope is not safe for
// concurrent use.
type Scope struct {
	id     string
	domain *DataDomain
	log    *zap.SugaredLogger
	daos   map[reflect.Type]any
	ops    []*stagedOp
	states map[any]EntityState
	// rows holds the latest instance read per entity key; loaded is its
	// inverse. Older instances of a key are dropped when it is read again.
	rows   map[string]any
	loaded map[any]string

	level     int
	savepoint int
	isolation domain.IsolationLevel
	closed    bool
}

// ID identifies the scope in logs.
func (s *Scope) ID() string { return s.id }

// Domain returns the owning data domain.
func (s *Scope) Domain() *DataDomain { return s.domain }

// HasChanges reports whether unsaved operations are staged.
func (s *Scope) HasChanges() bool { return len(s.ops) > 0 }

// CanSave is true when something is staged and no staged entity has
// outstanding validation problems.
func (s *Scope) CanSave() bool {
	return !s.closed && len(s.ops) > 0 && len(s.problems()) == 0
}

// TransactionLevel is the current nesting depth of explicit transactions.
func (s *Scope) TransactionLevel() int { return s.level }

// StateOf reports the state of an entity pointer in this scope. Instances
// read from the store and never staged are Committed.
func (s *Scope) StateOf(entity any) EntityState {
	if st, ok := s.states[entity]; ok {
		return st
	}
	if _, ok := s.loaded[entity]; ok {
		return Committed
	}
	return Detached
}

func rowID(entity domain.EntityType, key string) string { return string(entity) + "|" + key }

// remember records e as the current instance of its row.
func (s *Scope) remember(entity domain.EntityType, key string, e any) {
	id := rowID(entity, key)
	if prev, ok := s.rows[id]; ok && prev != e {
		delete(s.loaded, prev)
	}
	s.rows[id] = e
	s.loaded[e] = id
}

// committedRow reports whether a row with this key was read in this scope.
func (s *Scope) committedRow(entity domain.EntityType, key string) bool {
	_, ok := s.rows[rowID(entity, key)]
	return ok
}

func (s *Scope) check() error {
	if s.closed {
		return domain.ErrScopeClosed
	}
	return nil
}

// stage appends ops atomically: every op is checked before any is kept.
func (s *Scope) stage(ops ...*stagedOp) error {
	if err := s.check(); err != nil {
		return err
	}
	batch := make(map[string]bool)
	for _, op := range ops {
		if op.action != domain.ActionCreate {
			continue
		}
		id := rowID(op.entity, op.key)
		if batch[id] || s.stagedCreate(op.entity, op.key) {
			return &domain.DuplicateKeyError{Entity: op.entity, Key: op.keyValues}
		}
		batch[id] = true
	}
	for _, op := range ops {
		s.ops = append(s.ops, op)
		s.states[op.ref] = Staged
		s.domain.metrics.observeStaged(op.entity, op.action)
		s.log.Debugw("staged", "entity", op.entity, "action", op.action, "key", op.key)
	}
	return nil
}

func (s *Scope) stagedCreate(entity domain.EntityType, key string) bool {
	live := false
	for _, op := range s.ops {
		if op.entity != entity || op.key != key {
			continue
		}
		switch op.action {
		case domain.ActionCreate:
			live = true
		case domain.ActionDelete:
			live = false
		}
	}
	return live
}

func (s *Scope) problems() []domain.PropertyProblem {
	last := make(map[any]*stagedOp, len(s.ops))
	order := make([]any, 0, len(s.ops))
	for _, op := range s.ops {
		if _, seen := last[op.ref]; !seen {
			order = append(order, op.ref)
		}
		last[op.ref] = op
	}
	var out []domain.PropertyProblem
	for _, ref := range order {
		op := last[ref]
		if op.action == domain.ActionDelete || op.validate == nil {
			continue
		}
		out = append(out, op.validate()...)
	}
	return out
}

// Save commits every staged operation in one store transaction. With nothing
// staged it is a successful no-op; inside an explicit transaction it is
// deferred to the outermost commit. On failure the staged set is unchanged.
func (s *Scope) Save(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if len(s.ops) == 0 {
		s.domain.metrics.observeSave("noop", 0)
		return nil
	}
	if s.level > 0 {
		s.log.Debugw("save deferred to outermost commit", "level", s.level, "staged", len(s.ops))
		return nil
	}
	return s.flush(ctx, domain.IsolationDefault)
}

// SaveAsync runs Save on the calling goroutine and reports the outcome on the
// returned channel, which is already closed.
func (s *Scope) SaveAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	done <- s.Save(ctx)
	close(done)
	return done
}

func (s *Scope) flush(ctx context.Context, isolation domain.IsolationLevel) error {
	if len(s.ops) == 0 {
		return nil
	}
	if problems := s.problems(); len(problems) > 0 {
		err := &domain.ValidationError{Problems: problems}
		s.domain.metrics.observeSave("invalid", 0)
		s.log.Warnw("save rejected", "error", err)
		return err
	}
	payloads := make([]json.RawMessage, len(s.ops))
	for i, op := range s.ops {
		if op.action == domain.ActionDelete {
			continue
		}
		if op.rekey != nil {
			key, err := op.rekey()
			if err != nil {
				return fmt.Errorf("encode %s %s: %w", op.entity, op.key, err)
			}
			if key != op.key {
				err := &domain.ConfigError{Op: "save", Entity: string(op.entity),
					Reason: fmt.Sprintf("key changed from %s to %s after %s was staged", op.key, key, op.action)}
				s.domain.metrics.observeSave("invalid", 0)
				s.log.Warnw("save rejected", "error", err)
				return err
			}
		}
		raw, err := op.encode()
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", op.entity, op.key, err)
		}
		payloads[i] = raw
	}

	start := time.Now()
	res, err := s.domain.store.RunInTransaction(ctx, func(tx Transaction) error {
		for i, op := range s.ops {
			var err error
			switch op.action {
			case domain.ActionCreate:
				_, err = tx.Insert(op.entity, op.key, payloads[i])
			case domain.ActionUpdate:
				_, err = tx.Update(op.entity, op.key, payloads[i])
			case domain.ActionDelete:
				err = tx.Delete(op.entity, op.key)
			}
			if err != nil {
				return err
			}
		}
		return nil
	}, domain.WithIsolation(isolation))
	elapsed := time.Since(start)

	for _, v := range res.Violations {
		if v.Severity == domain.SeverityBlock {
			continue
		}
		s.log.Warnw("rule violation", "rule", v.Rule, "severity", v.Severity,
			"entity", v.Entity, "key", v.EntityKey, "message", v.Message)
	}
	if err != nil {
		outcome := "error"
		var blocked domain.RuleViolationError
		if errors.As(err, &blocked) {
			outcome = "blocked"
		}
		s.domain.metrics.observeSave(outcome, elapsed)
		s.log.Warnw("save failed", "error", err, "staged", len(s.ops))
		return err
	}

	for _, op := range s.ops {
		s.states[op.ref] = Committed
	}
	count := len(s.ops)
	s.ops = nil
	s.savepoint = 0
	s.domain.metrics.observeSave("committed", elapsed)
	s.log.Infow("save committed", "operations", count, "isolation", isolation.String())
	return nil
}

// RejectChanges discards every staged operation. Committed state is untouched.
func (s *Scope) RejectChanges() {
	for _, op := range s.ops {
		s.states[op.ref] = Rejected
	}
	if len(s.ops) > 0 {
		s.log.Debugw("changes rejected", "operations", len(s.ops))
	}
	s.ops = nil
	s.savepoint = 0
}

// BeginTransaction opens a (possibly nested) transaction. The isolation level
// of the outermost begin applies to the eventual commit.
func (s *Scope) BeginTransaction(isolation domain.IsolationLevel) error {
	if err := s.check(); err != nil {
		return err
	}
	if s.level == 0 {
		s.savepoint = len(s.ops)
		s.isolation = isolation
	}
	s.level++
	s.domain.metrics.observeTransaction("begin")
	s.log.Debugw("transaction begun", "level", s.level, "isolation", s.isolation.String())
	return nil
}

// CommitTransaction closes the innermost transaction. Only the outermost
// commit writes to the store; if that write fails the level stays at 1.
func (s *Scope) CommitTransaction(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if s.level == 0 {
		s.domain.metrics.observeTransaction("misuse")
		return domain.Report(s.log, fmt.Errorf("commit transaction: %w", domain.ErrNoTransaction), true)
	}
	if s.level > 1 {
		s.level--
		s.domain.metrics.observeTransaction("commit")
		return nil
	}
	if err := s.flush(ctx, s.isolation); err != nil {
		return err
	}
	s.level = 0
	s.isolation = domain.IsolationDefault
	s.domain.metrics.observeTransaction("commit")
	return nil
}

// RejectTransaction closes the innermost transaction. Only the outermost
// reject drops the operations staged since the outermost begin.
func (s *Scope) RejectTransaction() error {
	if err := s.check(); err != nil {
		return err
	}
	if s.level == 0 {
		s.domain.metrics.observeTransaction("misuse")
		return domain.Report(s.log, fmt.Errorf("reject transaction: %w", domain.ErrNoTransaction), true)
	}
	s.level--
	if s.level == 0 {
		s.rollback()
	}
	s.domain.metrics.observeTransaction("reject")
	return nil
}

func (s *Scope) rollback() {
	if s.savepoint > len(s.ops) {
		s.savepoint = len(s.ops)
	}
	kept := s.ops[:s.savepoint:s.savepoint]
	keptRefs := make(map[any]bool, len(kept))
	for _, op := range kept {
		keptRefs[op.ref] = true
	}
	dropped := s.ops[s.savepoint:]
	for _, op := range dropped {
		if !keptRefs[op.ref] {
			s.states[op.ref] = Rejected
		}
	}
	if len(dropped) > 0 {
		s.log.Debugw("transaction rolled back", "operations", len(dropped))
	}
	s.ops = kept
	s.savepoint = 0
	s.isolation = domain.IsolationDefault
}

// Close disposes of the scope. An open transaction is rolled back, nothing is
// saved and every DAO is released. Later calls fail with ErrScopeClosed.
func (s *Scope) Close() error {
	if s.closed {
		return nil
	}
	if s.level > 0 {
		s.log.Warnw("scope closed inside a transaction, rolling back", "level", s.level)
		s.level = 0
		s.rollback()
		s.domain.metrics.observeTransaction("reject")
	}
	if len(s.ops) > 0 {
		s.log.Debugw("discarding unsaved changes", "operations", len(s.ops))
	}
	s.RejectChanges()
	s.daos = nil
	s.rows, s.loaded = nil, nil
	s.closed = true
	return nil
}

type overlayItem struct {
	key string
	// op is the staged create or update that supersedes the persisted record.
	op     *stagedOp
	record domain.Record
	gone   bool
}

func (it overlayItem) payload() (json.RawMessage, error) {
	if it.op == nil {
		return it.record.Payload, nil
	}
	return it.op.encode()
}

// overlay returns the persisted records of entity with this scope's staged
// operations applied, in insertion order.
func (s *Scope) overlay(ctx context.Context, entity domain.EntityType) ([]overlayItem, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var items []overlayItem
	err := s.domain.store.View(ctx, func(v TransactionView) error {
		for _, rec := range v.List(entity) {
			items = append(items, overlayItem{key: rec.Key, record: rec})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", entity, err)
	}
	index := make(map[string]int, len(items))
	for i, it := range items {
		index[it.key] = i
	}
	for _, op := range s.ops {
		if op.entity != entity {
			continue
		}
		i, ok := index[op.key]
		switch op.action {
		case domain.ActionCreate:
			if ok {
				items[i].op, items[i].gone = op, false
				continue
			}
			index[op.key] = len(items)
			items = append(items, overlayItem{key: op.key, op: op})
		case domain.ActionUpdate:
			if ok && !items[i].gone {
				items[i].op = op
			}
		case domain.ActionDelete:
			if ok {
				items[i].gone = true
			}
		}
	}
	out := items[:0]
	for _, it := range items {
		if !it.gone {
			out = append(out, it)
		}
	}
	return out, nil
}

// Records returns the records of entity as this scope sees them: committed
// state overlaid with staged operations.
func (s *Scope) Records(ctx context.Context, entity domain.EntityType) ([]domain.Record, error) {
	items, err := s.overlay(ctx, entity)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Record, 0, len(items))
	for _, it := range items {
		raw, err := it.payload()
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", entity, it.key, err)
		}
		rec := it.record
		rec.Entity, rec.Key, rec.Payload = entity, it.key, raw
		out = append(out, rec)
	}
	return out, nil
}
