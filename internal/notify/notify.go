// internal/notify/notify.go
//
// Best-effort webhook notifications for session lifecycle changes. A
// failed delivery is logged and dropped; it never affects the loop.

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/churnlabs/churn/internal/state"
)

const defaultTimeout = 10 * time.Second

// Event is the JSON payload POSTed to the configured webhook.
type Event struct {
	Session   string       `json:"session"`
	Status    state.Status `json:"status"`
	Iteration int          `json:"iteration"`
	Remaining int          `json:"remaining"`
	Reason    string       `json:"reason,omitempty"`
	Error     string       `json:"error,omitempty"`
	Time      time.Time    `json:"time"`
}

// Logger records delivery failures. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Notifier posts events to one webhook URL. A nil Notifier, or one built
// from an empty URL, discards everything.
type Notifier struct {
	url    string
	client *http.Client
	logger Logger
}

// New builds a notifier. An empty URL yields a nil notifier, which is
// safe to call.
func New(url string, logger Logger) *Notifier {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: defaultTimeout},
		logger: logger,
	}
}

// Send delivers one event. Errors are logged, never returned, so
// callers can fire-and-forget.
func (n *Notifier) Send(ctx context.Context, evt Event) {
	if n == nil {
		return
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	body, err := json.Marshal(evt)
	if err != nil {
		n.logger.Printf("notify: encode event: %v", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Printf("notify: build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Printf("notify: deliver event: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Printf("notify: webhook returned %s", resp.Status)
	}
}

// FromRecord builds the event payload for a session record.
func FromRecord(rec state.Record, reason string) Event {
	return Event{
		Session:   rec.Name,
		Status:    rec.Status,
		Iteration: rec.Iteration,
		Remaining: rec.RemainingTasks,
		Reason:    reason,
		Error:     rec.LastError,
		Time:      time.Now().UTC(),
	}
}

// String renders a short human-readable form for logs.
func (e Event) String() string {
	return fmt.Sprintf("%s status=%s iteration=%d remaining=%d", e.Session, e.Status, e.Iteration, e.Remaining)
}
