package view

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"lobkit/internal/core"
	"lobkit/pkg/domain"
	"lobkit/pkg/filter"
)

type task struct {
	Id    string `json:"Id"`
	Title string `json:"Title"`
	Done  bool   `json:"Done"`
}

var tasks = core.ModuleFunc{
	ModuleName: "tasks",
	Fn: func(r *domain.Registry) error {
		return domain.Register(r, domain.Model[task]{
			Name: "task",
			Key:  []string{"Id"},
			Properties: []domain.Property[task]{
				domain.Field("Id", func(t *task) *string { return &t.Id }, "required"),
				domain.Field("Title", func(t *task) *string { return &t.Title }),
				domain.Field("Done", func(t *task) *bool { return &t.Done }),
			},
		})
	},
}

type taskBoard struct{}

func (taskBoard) PageTitle() string { return "Task board" }

func newDomain(t *testing.T) *core.DataDomain {
	t.Helper()
	schema, err := core.NewSchema(Module, tasks)
	require.NoError(t, err)
	dd, err := core.NewInMemory(schema)
	require.NoError(t, err)
	return dd
}

func withScope(t *testing.T, dd *core.DataDomain) *core.Scope {
	t.Helper()
	scope := dd.CreateScope()
	t.Cleanup(func() { _ = scope.Close() })
	return scope
}

func seedTasks(t *testing.T, dd *core.DataDomain) {
	t.Helper()
	scope := withScope(t, dd)
	dao, err := core.GetDao[task](scope)
	require.NoError(t, err)
	require.NoError(t, dao.CreateRange([]*task{
		{Id: "1", Title: "alpha"},
		{Id: "2", Title: "bravo", Done: true},
		{Id: "3", Title: "charlie"},
	}))
	require.NoError(t, scope.Save(context.Background()))
}

func byTitle(q *core.Query[task]) *core.Query[task] {
	return q.OrderBy(func(a, b *task) bool { return a.Title < b.Title })
}

func titles(t *testing.T, v *DataSetView[task]) []string {
	t.Helper()
	items, err := v.Items(context.Background())
	require.NoError(t, err)
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Title
	}
	return out
}

func TestPageForReturnsSameDefinition(t *testing.T) {
	ctx := context.Background()
	dd := newDomain(t)

	first, err := PageFor[taskBoard](ctx, withScope(t, dd))
	require.NoError(t, err)
	assert.Equal(t, "Task board", first.Title)
	second, err := PageFor[*taskBoard](ctx, withScope(t, dd))
	require.NoError(t, err)
	assert.Equal(t, first.Id, second.Id)

	dao, err := core.GetDao[PageDefinition](withScope(t, dd))
	require.NoError(t, err)
	n, err := dao.AsQueryable().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDataSetViewFollowsFilterSet(t *testing.T) {
	ctx := context.Background()
	dd := newDomain(t)
	seedTasks(t, dd)
	dao, err := core.GetDao[task](withScope(t, dd))
	require.NoError(t, err)

	v := NewDataSetView(dao, byTitle)
	assert.Equal(t, -1, v.Position())
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, titles(t, v))
	cur, ok, err := v.Current(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alpha", cur.Title)

	require.NoError(t, v.MoveTo(ctx, 2))
	assert.Error(t, v.MoveTo(ctx, 3))

	open := filter.Eq("Done", false)
	dao.Filters().Add(open, filter.User)
	assert.Equal(t, []string{"alpha", "charlie"}, titles(t, v))
	assert.Equal(t, 1, v.Position())

	dao.Filters().Remove(open, filter.User)
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, titles(t, v))

	require.NoError(t, dao.Create(&task{Id: "4", Title: "delta"}))
	assert.Len(t, titles(t, v), 3)
	require.NoError(t, v.Refresh(ctx))
	n, err := v.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	v.Close()
	v.Close()
	_, err = v.Items(ctx)
	assert.ErrorIs(t, err, ErrViewClosed)
	assert.ErrorIs(t, v.Refresh(ctx), ErrViewClosed)
	dao.Filters().Clear(filter.User)
}

func TestDataSetViewEmpty(t *testing.T) {
	ctx := context.Background()
	dao, err := core.GetDao[task](withScope(t, newDomain(t)))
	require.NoError(t, err)
	v := NewDataSetView[task](dao, nil)
	defer v.Close()
	_, ok, err := v.Current(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, -1, v.Position())
	assert.Error(t, v.MoveTo(ctx, 0))
}

func TestPageExecutesActions(t *testing.T) {
	ctx := context.Background()
	dd := newDomain(t)
	seedTasks(t, dd)
	scope := withScope(t, dd)
	dao, err := core.GetDao[task](scope)
	require.NoError(t, err)
	dao.Filters().Add(filter.Eq("Done", false), filter.Application)

	obs, logs := observer.New(zapcore.DebugLevel)
	dialogs := NewHeadlessDialogs(nil)
	page := NewPage("Task board", WithLogger(zap.New(obs).Sugar()), WithDialogs(dialogs))
	open := NewDataSetView(dao, byTitle)
	require.NoError(t, page.AddView("open", open))
	assert.ErrorIs(t, page.AddView("open", open), domain.ErrConfiguration)

	complete := ActionFunc{
		ActionName: "complete",
		Can: func(ctx context.Context) bool {
			_, ok, err := open.Current(ctx)
			return err == nil && ok
		},
		Fn: func(ctx context.Context) error {
			cur, _, err := open.Current(ctx)
			if err != nil {
				return err
			}
			if err := dao.SetProperty(cur, "Done", true); err != nil {
				return err
			}
			return scope.Save(ctx)
		},
	}
	failing := ActionFunc{ActionName: "archive", Fn: func(context.Context) error { return errors.New("archive offline") }}
	purge := Confirmed(page.Dialogs(), "Purge", "Delete every task?", ActionFunc{ActionName: "purge"})
	require.NoError(t, page.AddActions(complete, failing, purge))
	assert.ErrorIs(t, page.AddActions(ActionFunc{ActionName: "purge"}), domain.ErrConfiguration)

	assert.Equal(t, []ActionState{{"complete", true}, {"archive", true}, {"purge", true}}, page.Actions(ctx))

	require.NoError(t, page.Execute(ctx, "complete"))
	assert.Equal(t, []string{"charlie"}, titles(t, open))
	require.NoError(t, page.Execute(ctx, "complete"))
	assert.Empty(t, titles(t, open))

	assert.ErrorIs(t, page.Execute(ctx, "complete"), ErrActionDisabled)
	assert.ErrorIs(t, page.Execute(ctx, "missing"), domain.ErrNotFound)
	assert.ErrorIs(t, page.Execute(ctx, "purge"), domain.ErrUnsupported)
	assert.EqualError(t, page.Execute(ctx, "archive"), "archive offline")

	notes := dialogs.Notifications()
	require.Len(t, notes, 2)
	assert.Equal(t, Notification{Severity: SeverityError, Title: "archive", Message: "archive offline"}, notes[1])
	assert.Equal(t, 2, logs.FilterMessage("action failed").Len())
	assert.Equal(t, 2, logs.FilterMessage("action executed").Len())

	page.Close()
	_, err = open.Items(ctx)
	assert.ErrorIs(t, err, ErrViewClosed)
}

func TestHeadlessDialogs(t *testing.T) {
	ctx := context.Background()
	d := NewHeadlessDialogs(nil)
	_, err := d.Prompt(ctx, "Name", "Enter a name")
	assert.ErrorIs(t, err, domain.ErrUnsupported)
	ok, err := d.Confirm(ctx, "Sure", "Really?")
	assert.ErrorIs(t, err, domain.ErrUnsupported)
	assert.False(t, ok)
	require.NoError(t, d.Notify(ctx, Notification{Severity: SeverityInfo, Message: "saved"}))
	assert.Len(t, d.Notifications(), 1)
}
