package notify

import (
	"context"
	"log"
	"sync"
	"time"
)

// Kind identifies what an Event reports.
type Kind string

const (
	KindUploadSuccess   Kind = "upload_success"
	KindProcessingError Kind = "processing_error"
	KindQuotaWarning    Kind = "quota_warning"
	KindHealthAlert     Kind = "health_alert"
	KindDailySummary    Kind = "daily_summary"
	KindLifecycle       Kind = "lifecycle"
)

// Level drives presentation (embed colour, log prefix).
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Field is an ordered key/value line in an event.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Event is the transport-neutral notification payload.
type Event struct {
	Kind    Kind      `json:"kind"`
	Level   Level     `json:"level"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	URL     string    `json:"url,omitempty"`
	Fields  []Field   `json:"fields,omitempty"`
	At      time.Time `json:"at"`
}

// Notifier delivers one event.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Dispatcher fans events out to notifiers without blocking the caller. Each delivery gets
// its own timeout and failures are only logged.
type Dispatcher struct {
	notifiers []Notifier
	timeout   time.Duration
	logger    *log.Logger
	wg        sync.WaitGroup
}

func NewDispatcher(timeout time.Duration, logger *log.Logger, notifiers ...Notifier) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{notifiers: notifiers, timeout: timeout, logger: logger}
}

// Send schedules delivery of ev to every notifier and returns immediately.
func (d *Dispatcher) Send(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.Level == "" {
		ev.Level = LevelInfo
	}
	base := context.WithoutCancel(ctx)
	for _, n := range d.notifiers {
		d.wg.Add(1)
		go func(n Notifier) {
			defer d.wg.Done()
			sendCtx, cancel := context.WithTimeout(base, d.timeout)
			defer cancel()
			if err := n.Notify(sendCtx, ev); err != nil {
				d.logger.Printf("[notify] %s %q: %v", ev.Kind, ev.Title, err)
			}
		}(n)
	}
}

// Close waits for pending deliveries.
func (d *Dispatcher) Close() { d.wg.Wait() }

// Log writes events to a logger.
type Log struct {
	Logger *log.Logger
}

func (l Log) Notify(_ context.Context, ev Event) error {
	logger := l.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("[notify] %s %s: %s", ev.Level, ev.Title, ev.Message)
	return nil
}
