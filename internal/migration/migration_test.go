package migration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"lobkit/internal/core"
	"lobkit/pkg/domain"
)

type setting struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

// settingsModule registers setting and ships migrations supplied by the test.
type settingsModule struct {
	migrations []Migration
}

func (settingsModule) Name() string { return "settings" }

func (settingsModule) Register(r *domain.Registry) error {
	return domain.Register(r, domain.Model[setting]{
		Name: "setting",
		Key:  []string{"Key"},
		Properties: []domain.Property[setting]{
			domain.Field("Key", func(s *setting) *string { return &s.Key }, "required"),
			domain.Field("Value", func(s *setting) *string { return &s.Value }),
		},
	})
}

func (m settingsModule) Migrations() []Migration { return m.migrations }

func put(key, value string) func(context.Context, *core.Scope) error {
	return func(_ context.Context, scope *core.Scope) error {
		dao, err := core.GetDao[setting](scope)
		if err != nil {
			return err
		}
		return dao.Create(&setting{Key: key, Value: value})
	}
}

func newDomain(t *testing.T, mod core.Module) *core.DataDomain {
	t.Helper()
	schema, err := core.NewSchema(TrackingModule, mod)
	require.NoError(t, err)
	dd, err := core.NewInMemory(schema)
	require.NoError(t, err)
	return dd
}

func settings(t *testing.T, dd *core.DataDomain) []string {
	t.Helper()
	scope := dd.CreateScope()
	defer func() { _ = scope.Close() }()
	dao, err := core.GetDao[setting](scope)
	require.NoError(t, err)
	keys, err := core.Select(context.Background(), dao.AsQueryable().OrderBy(func(a, b *setting) bool { return a.Key < b.Key }), func(s *setting) string { return s.Key })
	require.NoError(t, err)
	return keys
}

func TestRunnerAppliesOncePerStore(t *testing.T) {
	ctx := context.Background()
	mod := settingsModule{migrations: []Migration{
		{ID: "0001_theme", Apply: put("theme", "dark")},
		{ID: "0002_locale", Apply: put("locale", "en")},
	}}
	dd := newDomain(t, mod)
	obs, logs := observer.New(zapcore.InfoLevel)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	runner, err := NewRunner(dd, "1.4.0", WithLogger(zap.New(obs).Sugar()), WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	pending, err := runner.Pending(ctx, mod)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"settings": {"0001_theme", "0002_locale"}}, pending)

	written, err := runner.Apply(ctx, TrackingModule, mod)
	require.NoError(t, err)
	require.Len(t, written, 2)
	assert.Equal(t, "1.4.0", written[0].ProductVersion)
	assert.Equal(t, Checksum("settings", "0001_theme"), written[0].Checksum)
	assert.True(t, written[0].AppliedAt.Equal(fixed))
	assert.Equal(t, 2, logs.FilterMessage("migration applied").Len())

	again, err := runner.Apply(ctx, mod)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Equal(t, []string{"locale", "theme"}, settings(t, dd))

	applied, err := runner.Applied(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, "0001_theme", applied[0].Migration)
	assert.Equal(t, "0002_locale", applied[1].Migration)

	pending, err = runner.Pending(ctx, mod)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFailedMigrationLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	mod := settingsModule{migrations: []Migration{
		{ID: "0001_theme", Apply: put("theme", "dark")},
		{ID: "0002_broken", Apply: func(ctx context.Context, scope *core.Scope) error {
			if err := put("half", "done")(ctx, scope); err != nil {
				return err
			}
			return boom
		}},
		{ID: "0003_never", Apply: put("never", "x")},
	}}
	dd := newDomain(t, mod)
	runner, err := NewRunner(dd, "1.0.0")
	require.NoError(t, err)

	written, err := runner.Apply(ctx, mod)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "settings/0002_broken")
	assert.Len(t, written, 1)
	assert.Equal(t, []string{"theme"}, settings(t, dd))

	applied, err := runner.Applied(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, "0001_theme", applied[0].Migration)
}

func TestMigrationSavesInsideApplyAreDeferred(t *testing.T) {
	ctx := context.Background()
	mod := settingsModule{migrations: []Migration{
		{ID: "0001", Apply: func(ctx context.Context, scope *core.Scope) error {
			if err := put("a", "1")(ctx, scope); err != nil {
				return err
			}
			return scope.Save(ctx)
		}},
	}}
	dd := newDomain(t, mod)
	runner, err := NewRunner(dd, "1.0.0")
	require.NoError(t, err)
	_, err = runner.Apply(ctx, mod)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, settings(t, dd))
}

func TestRunnerRejectsBadDeclarations(t *testing.T) {
	ctx := context.Background()
	for name, migs := range map[string][]Migration{
		"missing id":    {{Apply: put("a", "1")}},
		"missing apply": {{ID: "0001"}},
		"duplicate id":  {{ID: "0001", Apply: put("a", "1")}, {ID: "0001", Apply: put("b", "2")}},
	} {
		t.Run(name, func(t *testing.T) {
			mod := settingsModule{migrations: migs}
			runner, err := NewRunner(newDomain(t, mod), "1.0.0")
			require.NoError(t, err)
			_, err = runner.Apply(ctx, mod)
			assert.ErrorIs(t, err, domain.ErrConfiguration)
		})
	}
}

func TestNewRunnerRequiresTrackingModule(t *testing.T) {
	_, err := NewRunner(nil, "1.0.0")
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	schema, err := core.NewSchema(settingsModule{})
	require.NoError(t, err)
	dd, err := core.NewInMemory(schema)
	require.NoError(t, err)
	_, err = NewRunner(dd, "1.0.0")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}
