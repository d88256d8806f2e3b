// Package status keeps the status-bar message and raises modal notices for
// warnings and errors.
package status

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"labelstation/internal/models"
	"labelstation/pkg/events"
)

// Level of a message.
type Level int

const (
	Info Level = iota
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// Message is one status update.
type Message struct {
	Level Level
	Text  string
	// Kind is the error kind for messages built from errors
	Kind string
	Time time.Time
}

func (m Message) String() string {
	if m.Kind != "" {
		return m.Kind + ": " + m.Text
	}
	return m.Text
}

// Bar holds the last message. Warnings and errors are also emitted on Modal.
type Bar struct {
	mu     sync.Mutex
	last   Message
	logger *slog.Logger
	now    func() time.Time

	Changed events.Signal[Message]
	Modal   events.Signal[Message]
}

// NewBar returns an empty status bar logging to logger.
func NewBar(logger *slog.Logger) *Bar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bar{logger: logger, now: time.Now}
}

// Last returns the current message.
func (b *Bar) Last() Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Infof shows an informational message.
func (b *Bar) Infof(format string, args ...any) {
	b.post(Message{Level: Info, Text: fmt.Sprintf(format, args...)})
}

// Warnf shows a warning and raises it as a modal notice.
func (b *Bar) Warnf(format string, args ...any) {
	b.post(Message{Level: Warning, Text: fmt.Sprintf(format, args...)})
}

// Error shows err, tagged with its kind, and raises it as a modal notice.
// A nil err is ignored.
func (b *Bar) Error(err error) {
	if err == nil {
		return
	}
	b.post(Message{Level: Error, Text: err.Error(), Kind: models.Kind(err)})
}

// Report shows the outcome of an operation: err if set, else the success text.
func (b *Bar) Report(err error, format string, args ...any) {
	if err != nil {
		b.Error(err)
		return
	}
	b.Infof(format, args...)
}

func (b *Bar) post(m Message) {
	m.Time = b.now()
	b.mu.Lock()
	b.last = m
	b.mu.Unlock()

	switch m.Level {
	case Error:
		b.logger.Error(m.Text, "kind", m.Kind)
	case Warning:
		b.logger.Warn(m.Text)
	default:
		b.logger.Info(m.Text)
	}

	b.Changed.Emit(m)
	if m.Level >= Warning {
		b.Modal.Emit(m)
	}
}
