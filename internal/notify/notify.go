// Package notify tells operators when a run finished.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aletop130/ZeroHR/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Field is one labelled value of a notification
type Field struct {
	Title string
	Value string
}

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string // Optional run reference
	Fields  []Field
}

// ForRun builds the notification announcing a finished run
func ForRun(run *domain.Run) Notification {
	n := Notification{RunID: run.ID}
	counts := domain.StatusCounts(run.Units)
	switch run.Status {
	case domain.RunCompleted:
		n.Title = "Document run completed"
		n.Type = NotifySuccess
		var score float64
		if run.WeightedScore != nil {
			score = *run.WeightedScore
		}
		n.Message = fmt.Sprintf("Weighted score %.2f, %d/%d sections accepted",
			score, counts[domain.StatusAccepted], run.SectionCount)
		if counts[domain.StatusFailed] > 0 {
			n.Type = NotifyWarning
		}
		n.Fields = append(n.Fields, Field{Title: "Weighted score", Value: fmt.Sprintf("%.2f", score)})
	default:
		n.Title = "Document run failed"
		n.Type = NotifyError
		n.Message = run.Error
	}
	n.Fields = append(n.Fields,
		Field{Title: "Accepted", Value: fmt.Sprintf("%d/%d", counts[domain.StatusAccepted], run.SectionCount)},
		Field{Title: "Failed", Value: strconv.Itoa(counts[domain.StatusFailed])},
		Field{Title: "Attempts", Value: strconv.Itoa(run.Attempts)},
		Field{Title: "Generation", Value: strconv.FormatInt(run.Generation, 10)},
	)
	return n
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers and joins their errors
func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(context.Context, Notification) error { return nil }
