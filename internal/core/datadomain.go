// Package core implements the data domain: scopes acting as units of work,
// per-entity DAO services, the staging repository and in-memory queries over
// a domain.PersistentStore.
package core

import (
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"lobkit/internal/infra/persistence/memory"
	"lobkit/pkg/domain"
)

// DataDomain is the process-wide entry point. It is immutable after
// construction and safe to share between goroutines; scopes are not.
type DataDomain struct {
	schema   *Schema
	store    PersistentStore
	log      *zap.SugaredLogger
	metrics  *Metrics
	validate *validator.Validate
}

// Option configures a DataDomain.
type Option func(*DataDomain)

// WithLogger sets the logger handed to every scope.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(d *DataDomain) {
		if log != nil {
			d.log = log
		}
	}
}

// WithMetrics records scope activity on m.
func WithMetrics(m *Metrics) Option {
	return func(d *DataDomain) { d.metrics = m }
}

// WithValidator replaces the validator used for property rules, e.g. to add
// custom tags.
func WithValidator(v *validator.Validate) Option {
	return func(d *DataDomain) {
		if v != nil {
			d.validate = v
		}
	}
}

// NewDataDomain binds a schema to a persistent store.
func NewDataDomain(schema *Schema, store PersistentStore, opts ...Option) (*DataDomain, error) {
	if schema == nil {
		return nil, &domain.ConfigError{Op: "data domain", Reason: "schema is required"}
	}
	if store == nil {
		return nil, &domain.ConfigError{Op: "data domain", Reason: "persistent store is required"}
	}
	d := &DataDomain{
		schema:   schema,
		store:    store,
		log:      zap.NewNop().Sugar(),
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// NewInMemory builds a data domain over a fresh memory store evaluating the
// default rules for schema.
func NewInMemory(schema *Schema, opts ...Option) (*DataDomain, error) {
	if schema == nil {
		return nil, &domain.ConfigError{Op: "data domain", Reason: "schema is required"}
	}
	return NewDataDomain(schema, memory.NewStore(NewDefaultRulesEngine(schema)), opts...)
}

// Schema returns the registered models and partitions.
func (d *DataDomain) Schema() *Schema { return d.schema }

// Registry is shorthand for Schema().Registry.
func (d *DataDomain) Registry() *domain.Registry { return d.schema.Registry }

// Store returns the backing persistent store.
func (d *DataDomain) Store() PersistentStore { return d.store }

// Logger returns the domain logger.
func (d *DataDomain) Logger() *zap.SugaredLogger { return d.log }

// CreateScope opens an independent unit of work.
func (d *DataDomain) CreateScope() *Scope {
	id := uuid.NewString()
	return &Scope{
		id:     id,
		domain: d,
		log:    d.log.With("scope", id),
		daos:   make(map[reflect.Type]any),
		states: make(map[any]EntityState),
		rows:   make(map[string]any),
		loaded: make(map[any]string),
	}
}
