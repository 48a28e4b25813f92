package core

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"lobkit/internal/infra/persistence/memory"
	"lobkit/pkg/domain"
)

type author struct {
	Id    uuid.UUID `json:"Id"`
	Name  string    `json:"Name"`
	Email *string   `json:"Email,omitempty"`
	Books []book    `json:"Books,omitempty"`
}

type book struct {
	ISBN     string    `json:"ISBN"`
	AuthorId uuid.UUID `json:"AuthorId"`
	Title    string    `json:"Title"`
	Pages    int       `json:"Pages"`
	Author   *author   `json:"Author,omitempty"`
}

func authorModel() domain.Model[author] {
	return domain.Model[author]{
		Name:     "author",
		Key:      []string{"Id"},
		Identity: "Id",
		Properties: []domain.Property[author]{
			domain.Field("Id", func(a *author) *uuid.UUID { return &a.Id }, "required"),
			domain.Field("Name", func(a *author) *string { return &a.Name }, "required", "max=16"),
			domain.Field("Email", func(a *author) **string { return &a.Email }, "omitempty,email"),
		},
		Relations: []domain.Relation{{Name: "Books", Kind: domain.OneToMany, Target: "book", ForeignKey: []string{"AuthorId"}}},
		Nested:    []domain.Nested[author]{domain.NestMany("Books", func(a *author) *[]book { return &a.Books })},
	}
}

func bookModel() domain.Model[book] {
	return domain.Model[book]{
		Name: "book",
		Key:  []string{"ISBN"},
		Properties: []domain.Property[book]{
			domain.Field("ISBN", func(b *book) *string { return &b.ISBN }, "required"),
			domain.Field("AuthorId", func(b *book) *uuid.UUID { return &b.AuthorId }),
			domain.Field("Title", func(b *book) *string { return &b.Title }),
			domain.Field("Pages", func(b *book) *int { return &b.Pages }, "gte=0"),
		},
		Relations: []domain.Relation{{Name: "Author", Kind: domain.ManyToOne, Target: "author", ForeignKey: []string{"AuthorId"}, Required: true}},
		Nested:    []domain.Nested[book]{domain.NestOne("Author", func(b *book) **author { return &b.Author })},
	}
}

var libraryModule = ModuleFunc{
	ModuleName: "library",
	Fn: func(r *domain.Registry) error {
		if err := domain.Register(r, authorModel()); err != nil {
			return err
		}
		return domain.Register(r, bookModel())
	},
}

func newTestSchema(t *testing.T) *Schema {
	t.Helper()
	schema, err := NewSchema(libraryModule)
	require.NoError(t, err)
	return schema
}

func newTestDomain(t *testing.T, opts ...Option) *DataDomain {
	t.Helper()
	dd, err := NewInMemory(newTestSchema(t), opts...)
	require.NoError(t, err)
	return dd
}

// countingStore records how often the wrapped store is touched.
type countingStore struct {
	PersistentStore
	txs   int
	views int
}

func newCountingStore(schema *Schema) *countingStore {
	return &countingStore{PersistentStore: memory.NewStore(NewDefaultRulesEngine(schema))}
}

func (c *countingStore) RunInTransaction(ctx context.Context, fn func(Transaction) error, opts ...domain.TxOption) (domain.Result, error) {
	c.txs++
	return c.PersistentStore.RunInTransaction(ctx, fn, opts...)
}

func (c *countingStore) View(ctx context.Context, fn func(TransactionView) error) error {
	c.views++
	return c.PersistentStore.View(ctx, fn)
}

func mustDao[T any](t *testing.T, scope *Scope) *Service[T] {
	t.Helper()
	dao, err := GetDao[T](scope)
	require.NoError(t, err)
	return dao
}

func seedAuthor(t *testing.T, dd *DataDomain, name string) *author {
	t.Helper()
	scope := dd.CreateScope()
	defer func() { _ = scope.Close() }()
	dao := mustDao[author](t, scope)
	a := dao.New()
	a.Name = name
	require.NoError(t, dao.Create(a))
	require.NoError(t, scope.Save(context.Background()))
	return a
}
