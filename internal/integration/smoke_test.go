// Package integration runs the full module stack against every in-process
// storage and blob driver.
package integration

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"lobkit/internal/access"
	"lobkit/internal/blob"
	"lobkit/internal/config"
	"lobkit/internal/core"
	"lobkit/internal/infra/blob/fs"
	"lobkit/internal/infra/blob/s3"
	"lobkit/internal/migration"
	"lobkit/internal/reports"
	"lobkit/internal/view"
)

var modules = []core.Module{migration.TrackingModule, access.Module, reports.Module, view.Module}

type usersPage struct{}

func (usersPage) PageTitle() string { return "Users" }

type rosterReport struct{}

func (rosterReport) ReportName() string      { return "Roster" }
func (rosterReport) DefaultMimeType() string { return reports.MimeCSV }

func openDomain(t *testing.T, cfg config.Storage) *core.DataDomain {
	t.Helper()
	schema, err := core.NewSchema(modules...)
	require.NoError(t, err)
	store, err := core.OpenPersistentStore(cfg, core.NewDefaultRulesEngine(schema))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	dd, err := core.NewDataDomain(schema, store, core.WithMetrics(core.NewMetrics(prometheus.NewRegistry())))
	require.NoError(t, err)
	return dd
}

func TestIntegrationSmoke(t *testing.T) {
	storage := []struct {
		name string
		cfg  func(t *testing.T) config.Storage
	}{
		{"memory", func(*testing.T) config.Storage { return config.Storage{Driver: "memory"} }},
		{"sqlite", func(t *testing.T) config.Storage {
			return config.Storage{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "lobkit.db")}
		}},
	}
	blobs := []struct {
		name string
		open func(t *testing.T) blob.Store
	}{
		{"memory", func(*testing.T) blob.Store { return blob.NewMemory() }},
		{"fs", func(t *testing.T) blob.Store {
			s, err := fs.New(t.TempDir())
			require.NoError(t, err)
			return s
		}},
		{"s3-mock", func(*testing.T) blob.Store { return s3.NewMockForTests() }},
	}

	for _, sv := range storage {
		for _, bv := range blobs {
			t.Run(sv.name+"/"+bv.name, func(t *testing.T) {
				runSmoke(t, openDomain(t, sv.cfg(t)), bv.open(t))
			})
		}
	}
}

func runSmoke(t *testing.T, dd *core.DataDomain, store blob.Store) {
	ctx := context.Background()

	runner, err := migration.NewRunner(dd, "1.0.0")
	require.NoError(t, err)
	applied, err := runner.Apply(ctx, modules...)
	require.NoError(t, err)
	require.Len(t, applied, 1)

	scope := dd.CreateScope()
	defer scope.Close()
	m, err := access.NewManager(scope, access.WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)
	for _, name := range []string{"grace", "ada"} {
		u, err := m.CreateUser(ctx, name, nil)
		require.NoError(t, err)
		require.NoError(t, m.AddToRole(ctx, u, access.RoleUser))
	}
	require.NoError(t, scope.Save(ctx))

	// A page over the users sees both accounts in name order.
	def, err := view.PageFor[usersPage](ctx, scope)
	require.NoError(t, err)
	page := view.NewPage(def.Title)
	defer page.Close()
	users := view.NewDataSetView(m.Users(), func(q *core.Query[access.User]) *core.Query[access.User] {
		return q.OrderBy(func(a, b *access.User) bool { return a.UserName < b.UserName })
	})
	require.NoError(t, page.AddView("users", users))
	require.NoError(t, page.Refresh(ctx))
	n, err := users.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	first, ok, err := users.Current(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ada", first.UserName)

	// The same query rendered as a report lands in the blob store.
	rdef, err := reports.DefinitionFor[rosterReport](ctx, scope)
	require.NoError(t, err)
	cols, err := reports.PropertyColumns(m.Users().Model(), "UserName")
	require.NoError(t, err)
	q := m.Users().AsQueryable().OrderBy(func(a, b *access.User) bool { return a.UserName < b.UserName })

	worker, err := reports.NewWorker(store, nil)
	require.NoError(t, err)
	worker.Start()
	defer func() { _ = worker.Stop(context.Background()) }()
	queued, err := worker.Enqueue(ctx, reports.Request{
		Report:    rdef.Name,
		Source:    reports.FromQuery(rdef.Name, q, cols...),
		MimeTypes: []string{rdef.MimeType},
	})
	require.NoError(t, err)

	var job reports.Job
	require.Eventually(t, func() bool {
		job, _ = worker.Job(queued.ID)
		return job.Status == reports.JobSucceeded || job.Status == reports.JobFailed
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, reports.JobSucceeded, job.Status, job.Error)
	require.Len(t, job.Artifacts, 1)

	_, rc, err := store.Get(ctx, job.Artifacts[0].Key)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "UserName\nada\ngrace\n", string(body))
	assert.True(t, strings.HasSuffix(job.Artifacts[0].Key, ".csv"), job.Artifacts[0].Key)
}
