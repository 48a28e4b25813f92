package view

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"lobkit/pkg/domain"
)

// Severity grades a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is a non-interactive message to the user.
type Notification struct {
	Severity Severity
	Title    string
	Message  string
}

// Dialogs is how pages interact with the user.
type Dialogs interface {
	Notify(ctx context.Context, n Notification) error
	Confirm(ctx context.Context, title, message string) (bool, error)
	Prompt(ctx context.Context, title, message string) (string, error)
}

// HeadlessDialogs serves processes without a user: notifications are logged
// and kept, prompts fail with an UnsupportedError.
type HeadlessDialogs struct {
	mu    sync.Mutex
	notes []Notification
	log   *zap.SugaredLogger
}

// NewHeadlessDialogs returns dialogs that log through log; nil discards.
func NewHeadlessDialogs(log *zap.SugaredLogger) *HeadlessDialogs {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &HeadlessDialogs{log: log}
}

func (d *HeadlessDialogs) Notify(_ context.Context, n Notification) error {
	d.mu.Lock()
	d.notes = append(d.notes, n)
	d.mu.Unlock()
	switch n.Severity {
	case SeverityError:
		d.log.Errorw(n.Message, "title", n.Title)
	case SeverityWarning:
		d.log.Warnw(n.Message, "title", n.Title)
	default:
		d.log.Infow(n.Message, "title", n.Title)
	}
	return nil
}

func (d *HeadlessDialogs) Confirm(context.Context, string, string) (bool, error) {
	return false, &domain.UnsupportedError{Op: "confirm dialog"}
}

func (d *HeadlessDialogs) Prompt(context.Context, string, string) (string, error) {
	return "", &domain.UnsupportedError{Op: "prompt dialog"}
}

// Notifications returns the notifications seen so far.
func (d *HeadlessDialogs) Notifications() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Notification(nil), d.notes...)
}
