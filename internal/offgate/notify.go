package offgate

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Notification is a push payload. Absent fields are defaulted by
// decodeNotification and the result is handed to the Notifier verbatim.
type Notification struct {
	Title              string          `json:"title"`
	Body               string          `json:"body"`
	Image              string          `json:"image,omitempty"`
	Data               json.RawMessage `json:"data,omitempty"`
	RequireInteraction bool            `json:"requireInteraction"`
	Silent             bool            `json:"silent"`
	Tag                string          `json:"tag"`
}

func decodeNotification(payload []byte) (Notification, error) {
	var n Notification
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &n); err != nil {
			return Notification{}, err
		}
	}
	if n.Title == "" {
		n.Title = "Notification"
	}
	if n.Tag == "" {
		n.Tag = "offgate"
	}
	return n, nil
}

// Notifier is the platform display primitive for notifications.
type Notifier interface {
	Show(n Notification)
}

type slogNotifier struct {
	log *slog.Logger
}

func (s *slogNotifier) Show(n Notification) {
	s.log.Info("notification",
		"title", n.Title,
		"body", n.Body,
		"tag", n.Tag,
		"silent", n.Silent,
		"requireInteraction", n.RequireInteraction,
	)
}

// clientRegistry tracks open client windows, one per navigated URL. The
// gateway records a client for every navigation it serves, so "focus an
// existing window" can pick the most recently seen one.
type clientRegistry struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	max      int
}

func newClientRegistry(max int) *clientRegistry {
	if max <= 0 {
		max = 256
	}
	return &clientRegistry{lastSeen: map[string]time.Time{}, max: max}
}

func (r *clientRegistry) Observe(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen[url] = time.Now()
	if len(r.lastSeen) > r.max {
		r.evictOldestLocked()
	}
}

func (r *clientRegistry) evictOldestLocked() {
	var oldestURL string
	var oldest time.Time
	for u, t := range r.lastSeen {
		if oldestURL == "" || t.Before(oldest) {
			oldestURL, oldest = u, t
		}
	}
	delete(r.lastSeen, oldestURL)
}

// MostRecent returns the URL of the most recently seen client window.
func (r *clientRegistry) MostRecent() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var bestURL string
	var best time.Time
	for u, t := range r.lastSeen {
		if bestURL == "" || t.After(best) {
			bestURL, best = u, t
		}
	}
	return bestURL, bestURL != ""
}

func (r *clientRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lastSeen)
}

// Notification click routing.

type directiveKind string

const (
	directiveFocus directiveKind = "focus"
	directiveOpen  directiveKind = "open"
	directiveNone  directiveKind = "none"
)

type actionDirective struct {
	Kind directiveKind `json:"kind"`
	URL  string        `json:"url,omitempty"`
}

// routeAction decides what a notification click does: "view" (and the
// default body click) focuses an existing client window or opens "/" when
// none is open; "dismiss" and unknown actions do nothing.
func routeAction(action string, clients *clientRegistry) actionDirective {
	switch action {
	case "view", "":
		if url, ok := clients.MostRecent(); ok {
			return actionDirective{Kind: directiveFocus, URL: url}
		}
		return actionDirective{Kind: directiveOpen, URL: "/"}
	default:
		return actionDirective{Kind: directiveNone}
	}
}
