package auth

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Notification is what the lifecycle hands off for delivery. The core never
// sends mail itself.
type Notification struct {
	Recipient string            `json:"recipient"`
	Purpose   TokenPurpose      `json:"purpose"`
	URL       string            `json:"url"`
	SubjectID string            `json:"subject_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Notifier delivers notifications. Deliver should return quickly, the call
// is made inline and its error is only logged.
type Notifier interface {
	Deliver(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Deliver(ctx context.Context, n Notification) error {
	if f == nil {
		return nil
	}
	return f(ctx, n)
}

// LogNotifier prints notifications, for development setups without a mailer.
type LogNotifier struct {
	Out io.Writer
}

func (l LogNotifier) Deliver(_ context.Context, n Notification) error {
	out := l.Out
	if out == nil {
		out = os.Stdout
	}
	_, err := fmt.Fprintf(out, "====== SENDING EMAIL NOTIFICATION =======\nto: %s\npurpose: %s\nlink: %s\n", n.Recipient, n.Purpose, n.URL)
	return err
}

type noopNotifier struct{}

func (noopNotifier) Deliver(context.Context, Notification) error { return nil }
