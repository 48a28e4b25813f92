// Package migration records which module migrations have run against a
// store. Records live in the same store as the data they describe, so a
// migration and its record commit together.
package migration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lobkit/internal/core"
	"lobkit/pkg/domain"
)

// EntityModuleMigration is the entity type of migration records.
const EntityModuleMigration domain.EntityType = "module_migration"

// ModuleMigration is the persisted record of one applied migration, keyed by
// (Module, Migration).
type ModuleMigration struct {
	Module         string    `json:"Module"`
	Migration      string    `json:"Migration"`
	ProductVersion string    `json:"ProductVersion"`
	Checksum       string    `json:"Checksum"`
	AppliedAt      time.Time `json:"AppliedAt"`
	DurationMs     int64     `json:"DurationMs"`
}

func recordModel() domain.Model[ModuleMigration] {
	return domain.Model[ModuleMigration]{
		Name: EntityModuleMigration,
		Key:  []string{"Module", "Migration"},
		Properties: []domain.Property[ModuleMigration]{
			domain.Field("Module", func(m *ModuleMigration) *string { return &m.Module }, "required", "max=128"),
			domain.Field("Migration", func(m *ModuleMigration) *string { return &m.Migration }, "required", "max=128"),
			domain.Field("ProductVersion", func(m *ModuleMigration) *string { return &m.ProductVersion }),
			domain.Field("Checksum", func(m *ModuleMigration) *string { return &m.Checksum }),
			domain.Field("AppliedAt", func(m *ModuleMigration) *time.Time { return &m.AppliedAt }),
			domain.Field("DurationMs", func(m *ModuleMigration) *int64 { return &m.DurationMs }, "gte=0"),
		},
	}
}

// TrackingModule registers the ModuleMigration entity. Every schema used with
// a Runner must include it.
var TrackingModule core.Module = core.ModuleFunc{
	ModuleName: "migrations",
	Fn: func(r *domain.Registry) error {
		return domain.Register(r, recordModel())
	},
}

// Migration is one idempotent step contributed by a module. Apply runs inside
// an open scope transaction; changes it stages are saved with the record.
type Migration struct {
	ID          string
	Description string
	Apply       func(ctx context.Context, scope *core.Scope) error
}

// Module is a core.Module that also ships migrations, applied in order.
type Module interface {
	core.Module
	Migrations() []Migration
}

// Checksum identifies a migration by module and ID.
func Checksum(module, id string) string {
	sum := sha256.Sum256([]byte(module + ":" + id))
	return hex.EncodeToString(sum[:8])
}

// Runner applies module migrations at most once per store.
type Runner struct {
	domain         *core.DataDomain
	productVersion string
	log            *zap.SugaredLogger
	now            func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(log *zap.SugaredLogger) RunnerOption {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// WithClock overrides the time source used for AppliedAt.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner returns a runner stamping records with productVersion. The data
// domain's schema must include TrackingModule.
func NewRunner(dd *core.DataDomain, productVersion string, opts ...RunnerOption) (*Runner, error) {
	if dd == nil {
		return nil, &domain.ConfigError{Op: "migration runner", Reason: "data domain is required"}
	}
	if _, err := domain.ModelOf[ModuleMigration](dd.Registry()); err != nil {
		return nil, &domain.ConfigError{Op: "migration runner", Entity: string(EntityModuleMigration), Reason: "tracking module is not registered", Err: err}
	}
	r := &Runner{domain: dd, productVersion: productVersion, log: zap.NewNop().Sugar(), now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Applied lists every recorded migration ordered by module then migration.
func (r *Runner) Applied(ctx context.Context) ([]ModuleMigration, error) {
	scope := r.domain.CreateScope()
	defer func() { _ = scope.Close() }()
	dao, err := core.GetDao[ModuleMigration](scope)
	if err != nil {
		return nil, err
	}
	recs, err := dao.AsQueryable().OrderBy(func(a, b *ModuleMigration) bool {
		if a.Module != b.Module {
			return a.Module < b.Module
		}
		return a.Migration < b.Migration
	}).ToSlice(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ModuleMigration, 0, len(recs))
	for _, rec := range recs {
		out = append(out, *rec)
	}
	return out, nil
}

// Pending returns the IDs of migrations not yet recorded, per module name.
// Modules without migrations are omitted.
func (r *Runner) Pending(ctx context.Context, modules ...core.Module) (map[string][]string, error) {
	applied, err := r.appliedSet(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, mod := range modules {
		mm, ok := mod.(Module)
		if !ok {
			continue
		}
		for _, m := range mm.Migrations() {
			if !applied[Checksum(mod.Name(), m.ID)] {
				out[mod.Name()] = append(out[mod.Name()], m.ID)
			}
		}
	}
	return out, nil
}

func (r *Runner) appliedSet(ctx context.Context) (map[string]bool, error) {
	recs, err := r.Applied(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(recs))
	for _, rec := range recs {
		set[Checksum(rec.Module, rec.Migration)] = true
	}
	return set, nil
}

// Apply runs the pending migrations of each module in order and returns the
// records written. It stops at the first failure; earlier migrations stay
// applied and the failing one leaves no record.
func (r *Runner) Apply(ctx context.Context, modules ...core.Module) ([]ModuleMigration, error) {
	var written []ModuleMigration
	for _, mod := range modules {
		mm, ok := mod.(Module)
		if !ok {
			continue
		}
		migrations := mm.Migrations()
		if err := checkIDs(mod.Name(), migrations); err != nil {
			return written, err
		}
		for _, m := range migrations {
			rec, ran, err := r.applyOne(ctx, mod.Name(), m)
			if err != nil {
				return written, err
			}
			if ran {
				written = append(written, rec)
			}
		}
	}
	return written, nil
}

func checkIDs(module string, migrations []Migration) error {
	seen := make(map[string]bool, len(migrations))
	for _, m := range migrations {
		switch {
		case m.ID == "":
			return &domain.ConfigError{Op: "migration", Entity: module, Reason: "migration id is required"}
		case m.Apply == nil:
			return &domain.ConfigError{Op: "migration", Entity: module, Reason: fmt.Sprintf("migration %q has no Apply func", m.ID)}
		case seen[m.ID]:
			return &domain.ConfigError{Op: "migration", Entity: module, Reason: fmt.Sprintf("migration %q declared twice", m.ID)}
		}
		seen[m.ID] = true
	}
	return nil
}

func (r *Runner) applyOne(ctx context.Context, module string, m Migration) (ModuleMigration, bool, error) {
	scope := r.domain.CreateScope()
	defer func() { _ = scope.Close() }()
	dao, err := core.GetDao[ModuleMigration](scope)
	if err != nil {
		return ModuleMigration{}, false, err
	}
	if _, err := dao.Get(ctx, module, m.ID); err == nil {
		r.log.Debugw("migration already applied", "module", module, "migration", m.ID)
		return ModuleMigration{}, false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return ModuleMigration{}, false, err
	}

	start := r.now()
	if err := scope.BeginTransaction(domain.IsolationSerializable); err != nil {
		return ModuleMigration{}, false, err
	}
	if err := m.Apply(ctx, scope); err != nil {
		_ = scope.RejectTransaction()
		r.log.Warnw("migration failed", "module", module, "migration", m.ID, "error", err)
		return ModuleMigration{}, false, fmt.Errorf("migration %s/%s: %w", module, m.ID, err)
	}
	rec := &ModuleMigration{
		Module:         module,
		Migration:      m.ID,
		ProductVersion: r.productVersion,
		Checksum:       Checksum(module, m.ID),
		AppliedAt:      start,
		DurationMs:     r.now().Sub(start).Milliseconds(),
	}
	if err := dao.Create(rec); err != nil {
		_ = scope.RejectTransaction()
		return ModuleMigration{}, false, err
	}
	if err := scope.CommitTransaction(ctx); err != nil {
		_ = scope.RejectTransaction()
		r.log.Warnw("migration commit failed", "module", module, "migration", m.ID, "error", err)
		return ModuleMigration{}, false, fmt.Errorf("migration %s/%s: %w", module, m.ID, err)
	}
	r.log.Infow("migration applied", "module", module, "migration", m.ID, "product_version", r.productVersion)
	return *rec, true, nil
}
