package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Record is the persisted form of one entity instance. Payload holds the
// entity's JSON encoding; Key is the encoded primary key (see EncodeKey).
type Record struct {
	Entity  EntityType      `json:"entity"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
	Version int64           `json:"version"`
	// Seq orders records by insertion across the whole store.
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	r.Payload = cloneRawMessage(r.Payload)
	return r
}

// Transaction exposes the record operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	Insert(entity EntityType, key string, payload json.RawMessage) (Record, error)
	Update(entity EntityType, key string, payload json.RawMessage) (Record, error)
	Delete(entity EntityType, key string) error
}

// TransactionView provides read-only access to snapshot data for rules and queries.
type TransactionView interface {
	Entities() []EntityType
	List(entity EntityType) []Record
	Find(entity EntityType, key string) (Record, bool)
}

// IsolationLevel is forwarded to backends that support it.
type IsolationLevel int

// Isolation levels understood by the SQL backends. The memory store serializes
// all transactions and treats every level as Serializable.
const (
	IsolationDefault IsolationLevel = iota
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationReadCommitted:
		return "read_committed"
	case IsolationRepeatableRead:
		return "repeatable_read"
	case IsolationSerializable:
		return "serializable"
	default:
		return "default"
	}
}

// TxOptions carries per-transaction settings.
type TxOptions struct {
	Isolation IsolationLevel
}

// TxOption mutates TxOptions.
type TxOption func(*TxOptions)

// WithIsolation requests an isolation level for the transaction.
func WithIsolation(level IsolationLevel) TxOption {
	return func(o *TxOptions) { o.Isolation = level }
}

// ApplyTxOptions folds opts into a TxOptions value.
func ApplyTxOptions(opts ...TxOption) TxOptions {
	var o TxOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// PersistentStore is a minimal abstraction over durable backends.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error, opts ...TxOption) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	Close() error
}
