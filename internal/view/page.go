package view

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"lobkit/pkg/domain"
)

// PageOption configures a Page.
type PageOption func(*Page)

// WithDialogs sets how the page reaches the user. The default is headless.
func WithDialogs(d Dialogs) PageOption { return func(p *Page) { p.dialogs = d } }

// WithLogger sets the page logger.
func WithLogger(log *zap.SugaredLogger) PageOption { return func(p *Page) { p.log = log } }

// Page groups named views and actions. Successful actions refresh every view.
type Page struct {
	Title string

	views       map[string]View
	viewOrder   []string
	actions     map[string]Action
	actionOrder []string
	dialogs     Dialogs
	log         *zap.SugaredLogger
}

// NewPage returns an empty page.
func NewPage(title string, opts ...PageOption) *Page {
	p := &Page{
		Title:   title,
		views:   make(map[string]View),
		actions: make(map[string]Action),
		log:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.dialogs == nil {
		p.dialogs = NewHeadlessDialogs(p.log)
	}
	return p
}

// Dialogs returns the page's dialogs.
func (p *Page) Dialogs() Dialogs { return p.dialogs }

// AddView registers v under name.
func (p *Page) AddView(name string, v View) error {
	if _, dup := p.views[name]; dup {
		return &domain.ConfigError{Op: "add view", Entity: name, Reason: "view already registered"}
	}
	p.views[name] = v
	p.viewOrder = append(p.viewOrder, name)
	return nil
}

// View looks up a view by name.
func (p *Page) View(name string) (View, bool) {
	v, ok := p.views[name]
	return v, ok
}

// AddActions registers actions by name.
func (p *Page) AddActions(actions ...Action) error {
	for _, a := range actions {
		if _, dup := p.actions[a.Name()]; dup {
			return &domain.ConfigError{Op: "add action", Entity: a.Name(), Reason: "action already registered"}
		}
		p.actions[a.Name()] = a
		p.actionOrder = append(p.actionOrder, a.Name())
	}
	return nil
}

// ActionState is an action name with its current availability.
type ActionState struct {
	Name    string
	Enabled bool
}

// Actions lists the actions in registration order.
func (p *Page) Actions(ctx context.Context) []ActionState {
	out := make([]ActionState, 0, len(p.actionOrder))
	for _, name := range p.actionOrder {
		out = append(out, ActionState{Name: name, Enabled: p.actions[name].CanExecute(ctx)})
	}
	return out
}

// Execute runs the named action. A failure is shown as an error notification
// and returned.
func (p *Page) Execute(ctx context.Context, name string) error {
	a, ok := p.actions[name]
	if !ok {
		return &domain.NotFoundError{Entity: "action", Key: []any{name}}
	}
	if !a.CanExecute(ctx) {
		return fmt.Errorf("%s: %w", name, ErrActionDisabled)
	}
	if err := a.Execute(ctx); err != nil {
		p.log.Warnw("action failed", "page", p.Title, "action", name, "error", err)
		_ = p.dialogs.Notify(ctx, Notification{Severity: SeverityError, Title: name, Message: err.Error()})
		return err
	}
	p.log.Debugw("action executed", "page", p.Title, "action", name)
	return p.Refresh(ctx)
}

// Refresh refreshes every view in registration order.
func (p *Page) Refresh(ctx context.Context) error {
	for _, name := range p.viewOrder {
		if err := p.views[name].Refresh(ctx); err != nil {
			return fmt.Errorf("refresh %s: %w", name, err)
		}
	}
	return nil
}

// Close closes every view.
func (p *Page) Close() {
	for _, name := range p.viewOrder {
		p.views[name].Close()
	}
}
