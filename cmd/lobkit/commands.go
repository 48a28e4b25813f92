package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"lobkit/internal/access"
	"lobkit/internal/blob"
	"lobkit/internal/core"
	"lobkit/internal/migration"
	"lobkit/internal/reports"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending module migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			return run(opts, func(a *app) error {
				runner, err := migration.NewRunner(a.domain, a.cfg.Product.Version, migration.WithLogger(a.log))
				if err != nil {
					return err
				}
				if dryRun {
					pending, err := runner.Pending(ctx, modules...)
					if err != nil {
						return err
					}
					if opts.json {
						return writeJSON(out, pending)
					}
					names := make([]string, 0, len(pending))
					for name := range pending {
						names = append(names, name)
					}
					sort.Strings(names)
					for _, name := range names {
						for _, id := range pending[name] {
							fmt.Fprintf(out, "pending %s/%s\n", name, id)
						}
					}
					return nil
				}
				written, err := runner.Apply(ctx, modules...)
				if err != nil {
					return err
				}
				if opts.json {
					return writeJSON(out, written)
				}
				if len(written) == 0 {
					fmt.Fprintln(out, "nothing to apply")
				}
				for _, rec := range written {
					fmt.Fprintf(out, "applied %s/%s\n", rec.Module, rec.Migration)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List pending migrations without applying them")
	return cmd
}

func newUsersCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage user accounts",
	}
	cmd.AddCommand(newUsersCreateCmd(opts))
	cmd.AddCommand(newUsersListCmd(opts))
	return cmd
}

func newUsersCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		email    string
		password string
		roles    []string
	)
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a user account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return run(opts, func(a *app) error {
				return a.withScope(func(scope *core.Scope) error {
					m, err := access.NewManager(scope)
					if err != nil {
						return err
					}
					var mail *string
					if email != "" {
						mail = &email
					}
					u, err := m.CreateUser(ctx, args[0], mail)
					if err != nil {
						return err
					}
					if password != "" {
						if err := m.SetPassword(u, password); err != nil {
							return err
						}
					}
					for _, role := range roles {
						if err := m.AddToRole(ctx, u, role); err != nil {
							return fmt.Errorf("role %s: %w", role, err)
						}
					}
					if err := scope.Save(ctx); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s)\n", u.UserName, u.Id)
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&password, "password", "", "Initial password")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role to grant (repeatable)")
	return cmd
}

type userRow struct {
	ID       uuid.UUID `json:"id"`
	UserName string    `json:"user_name"`
	Email    string    `json:"email,omitempty"`
	Roles    []string  `json:"roles"`
	Locked   bool      `json:"locked"`
}

func listUsers(ctx context.Context, scope *core.Scope) ([]userRow, error) {
	m, err := access.NewManager(scope)
	if err != nil {
		return nil, err
	}
	users, err := m.Users().AsQueryable().
		OrderBy(func(a, b *access.User) bool { return access.Normalize(a.UserName) < access.Normalize(b.UserName) }).
		ToSlice(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	rows := make([]userRow, 0, len(users))
	for _, u := range users {
		roles, err := m.RolesOf(ctx, u)
		if err != nil {
			return nil, err
		}
		row := userRow{ID: u.Id, UserName: u.UserName, Roles: roles, Locked: u.LockoutEnd != nil && u.LockoutEnd.After(now)}
		if u.Email != nil {
			row.Email = *u.Email
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func newUsersListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List user accounts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			return run(opts, func(a *app) error {
				return a.withScope(func(scope *core.Scope) error {
					rows, err := listUsers(ctx, scope)
					if err != nil {
						return err
					}
					if opts.json {
						return writeJSON(out, rows)
					}
					tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tUSER\tEMAIL\tROLES")
					for _, r := range rows {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.UserName, r.Email, strings.Join(r.Roles, ","))
					}
					return tw.Flush()
				})
			})
		},
	}
}

// usersReport is the report type behind "reports render".
type usersReport struct{}

func (usersReport) ReportName() string      { return "Users" }
func (usersReport) DefaultMimeType() string { return reports.MimeCSV }

func usersSource(ctx context.Context, scope *core.Scope) (reports.DataSource, error) {
	rows, err := listUsers(ctx, scope)
	if err != nil {
		return nil, err
	}
	roles := make(map[uuid.UUID]string, len(rows))
	for _, r := range rows {
		roles[r.ID] = strings.Join(r.Roles, ", ")
	}
	dao, err := core.GetDao[access.User](scope)
	if err != nil {
		return nil, err
	}
	cols, err := reports.PropertyColumns(dao.Model(), "UserName", "Email", "LockoutEnd")
	if err != nil {
		return nil, err
	}
	cols[0].Title = "User"
	cols[2].Title = "Locked until"
	cols = append(cols, reports.ColumnOf[access.User]{
		Column: reports.Column{Name: "Roles", Title: "Roles"},
		Value:  func(u *access.User) any { return roles[u.Id] },
	})
	q := dao.AsQueryable().OrderBy(func(a, b *access.User) bool { return access.Normalize(a.UserName) < access.Normalize(b.UserName) })
	return reports.FromQuery("Users", q, cols...), nil
}

func newReportsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Render reports",
	}
	cmd.AddCommand(newReportsRenderCmd(opts))
	return cmd
}

func newReportsRenderCmd(opts *rootOptions) *cobra.Command {
	var (
		format  string
		outPath string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the users report and store it as an artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			out := cmd.OutOrStdout()
			return run(opts, func(a *app) error {
				store, err := a.openBlob(ctx)
				if err != nil {
					return err
				}
				worker, err := reports.NewWorker(store, nil,
					reports.WithLogger(a.log),
					reports.WithRegisterer(a.registry),
					reports.WithQueueSize(a.cfg.Reports.QueueSize),
					reports.WithDefaultMimeTypes(a.cfg.Reports.Formats...),
				)
				if err != nil {
					return err
				}
				worker.Start()
				defer func() { _ = worker.Stop(context.Background()) }()

				var queued reports.Job
				err = a.withScope(func(scope *core.Scope) error {
					def, err := reports.DefinitionFor[usersReport](ctx, scope)
					if err != nil {
						return err
					}
					mime := def.MimeType
					if format != "" {
						proc, err := reports.DefaultProcessors().Resolve(format)
						if err != nil {
							return err
						}
						mime = proc.MimeType()
					}
					src, err := usersSource(ctx, scope)
					if err != nil {
						return err
					}
					queued, err = worker.Enqueue(ctx, reports.Request{Report: def.Name, Source: src, MimeTypes: []string{mime}, RequestedBy: "cli"})
					return err
				})
				if err != nil {
					return err
				}

				job, err := waitJob(ctx, worker, queued.ID)
				if err != nil {
					return err
				}
				if opts.json {
					if err := writeJSON(out, job); err != nil {
						return err
					}
				}
				for _, art := range job.Artifacts {
					if !opts.json {
						fmt.Fprintf(out, "stored %s (%d bytes)\n", art.Key, art.Size)
					}
					if outPath == "" {
						continue
					}
					if err := download(ctx, store, art.Key, outPath); err != nil {
						return err
					}
					if !opts.json {
						fmt.Fprintf(out, "wrote %s\n", outPath)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "MIME type or file extension (default: the report's own)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Also write the artifact to this file")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Give up waiting after this long")
	return cmd
}

func waitJob(ctx context.Context, w *reports.Worker, id string) (reports.Job, error) {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		job, ok := w.Job(id)
		if !ok {
			return reports.Job{}, fmt.Errorf("job %s vanished", id)
		}
		switch job.Status {
		case reports.JobSucceeded:
			return job, nil
		case reports.JobFailed:
			return job, fmt.Errorf("report %s failed: %s", job.Report, job.Error)
		}
		select {
		case <-ctx.Done():
			return job, fmt.Errorf("waiting for job %s: %w", id, ctx.Err())
		case <-tick.C:
		}
	}
}

func download(ctx context.Context, store blob.Store, key, path string) error {
	_, rc, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
