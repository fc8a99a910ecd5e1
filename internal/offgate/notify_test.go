package offgate

import (
	"testing"
	"time"
)

func TestDecodeNotificationDefaults(t *testing.T) {
	n, err := decodeNotification(nil)
	if err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if n.Title != "Notification" {
		t.Errorf("default title: %q", n.Title)
	}
	if n.Tag != "offgate" {
		t.Errorf("default tag: %q", n.Tag)
	}
	if n.Silent || n.RequireInteraction {
		t.Error("boolean fields should default to false")
	}
}

func TestDecodeNotificationFields(t *testing.T) {
	payload := []byte(`{
		"title": "Exam schedule updated",
		"body": "Check your timetable",
		"tag": "schedule",
		"silent": true,
		"requireInteraction": true,
		"data": {"courseId": 42}
	}`)
	n, err := decodeNotification(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n.Title != "Exam schedule updated" || n.Body != "Check your timetable" {
		t.Errorf("fields not preserved: %+v", n)
	}
	if n.Tag != "schedule" {
		t.Errorf("tag: %q", n.Tag)
	}
	if !n.Silent || !n.RequireInteraction {
		t.Error("boolean fields lost")
	}
	if len(n.Data) == 0 {
		t.Error("data payload lost")
	}
}

func TestDecodeNotificationRejectsGarbage(t *testing.T) {
	if _, err := decodeNotification([]byte("{not json")); err == nil {
		t.Fatal("expected error")
	}
}

func TestRouteActionView(t *testing.T) {
	clients := newClientRegistry(0)

	// No open window: open the root.
	d := routeAction("view", clients)
	if d.Kind != directiveOpen || d.URL != "/" {
		t.Fatalf("expected open /, got %+v", d)
	}

	clients.Observe("http://campus.local/courses")
	time.Sleep(time.Millisecond)
	clients.Observe("http://campus.local/grades")

	d = routeAction("view", clients)
	if d.Kind != directiveFocus || d.URL != "http://campus.local/grades" {
		t.Fatalf("expected focus on most recent window, got %+v", d)
	}

	// Default body click behaves like view.
	d = routeAction("", clients)
	if d.Kind != directiveFocus {
		t.Fatalf("expected default click to focus, got %+v", d)
	}
}

func TestRouteActionDismiss(t *testing.T) {
	clients := newClientRegistry(0)
	clients.Observe("http://campus.local/")

	if d := routeAction("dismiss", clients); d.Kind != directiveNone {
		t.Fatalf("dismiss must be a no-op, got %+v", d)
	}
	if d := routeAction("snooze", clients); d.Kind != directiveNone {
		t.Fatalf("unknown action must be a no-op, got %+v", d)
	}
}

func TestClientRegistryBounded(t *testing.T) {
	clients := newClientRegistry(2)
	clients.Observe("http://campus.local/a")
	time.Sleep(time.Millisecond)
	clients.Observe("http://campus.local/b")
	time.Sleep(time.Millisecond)
	clients.Observe("http://campus.local/c")

	if n := clients.Len(); n > 2 {
		t.Fatalf("registry exceeded its bound: %d", n)
	}
	if url, ok := clients.MostRecent(); !ok || url != "http://campus.local/c" {
		t.Fatalf("most recent client lost: %q %v", url, ok)
	}
}
