package view

import (
	"context"
	"errors"
)

// ErrActionDisabled is returned when an action is executed while its
// CanExecute reports false.
var ErrActionDisabled = errors.New("action is disabled")

// Action is a named command a page exposes.
type Action interface {
	Name() string
	CanExecute(ctx context.Context) bool
	Execute(ctx context.Context) error
}

// ActionFunc adapts functions into an Action. A nil Can is always enabled.
type ActionFunc struct {
	ActionName string
	Can        func(ctx context.Context) bool
	Fn         func(ctx context.Context) error
}

func (a ActionFunc) Name() string { return a.ActionName }

func (a ActionFunc) CanExecute(ctx context.Context) bool {
	return a.Can == nil || a.Can(ctx)
}

func (a ActionFunc) Execute(ctx context.Context) error {
	if a.Fn == nil {
		return nil
	}
	return a.Fn(ctx)
}

// Confirmed asks dialogs to confirm before running inner.
func Confirmed(dialogs Dialogs, title, message string, inner Action) Action {
	return confirmed{Action: inner, dialogs: dialogs, title: title, message: message}
}

type confirmed struct {
	Action
	dialogs        Dialogs
	title, message string
}

func (c confirmed) Execute(ctx context.Context) error {
	ok, err := c.dialogs.Confirm(ctx, c.title, c.message)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return c.Action.Execute(ctx)
}
