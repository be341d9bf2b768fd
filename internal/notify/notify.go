// ABOUTME: Notification type and sinks invoked after a decision clears the rate governor
// ABOUTME: Includes a slog sink and a sequential fan-out over several sinks

package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/callwatch/internal/evidence"
)

// Kind distinguishes why a notification was sent.
type Kind string

const (
	// KindAccepted is sent once when a pair first becomes accepted.
	KindAccepted Kind = "accepted"
	// KindMultiple is sent when a tracked value crosses a new multiple of its baseline.
	KindMultiple Kind = "multiple"
	// KindNotice is an operator message. It takes priority send permits.
	KindNotice Kind = "notice"
)

// Notification is the payload handed to sinks.
type Notification struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	ObserverID string          `json:"observer_id"`
	SubjectID  string          `json:"subject_id"`
	Evidence   []evidence.Item `json:"evidence,omitempty"`
	Multiple   int             `json:"multiple,omitempty"`
	Value      float64         `json:"value,omitempty"`
	Message    string          `json:"message,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// New builds a notification with a fresh id.
func New(kind Kind, observerID, subjectID string) *Notification {
	return &Notification{
		ID:         uuid.New().String(),
		Kind:       kind,
		ObserverID: observerID,
		SubjectID:  subjectID,
		CreatedAt:  time.Now().UTC(),
	}
}

// Notifier delivers notifications to an external party.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// LogNotifier writes notifications to the log. Useful as the default sink.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log sink. Pass nil logger for default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

// Notify logs n at info level.
func (l *LogNotifier) Notify(_ context.Context, n *Notification) error {
	l.logger.Info("notification",
		"id", n.ID,
		"kind", n.Kind,
		"observer_id", n.ObserverID,
		"subject_id", n.SubjectID,
		"evidence", len(n.Evidence),
		"multiple", n.Multiple,
	)
	return nil
}

// Multi sends to every sink in order. All sinks are attempted; the errors
// are joined.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n *Notification) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
