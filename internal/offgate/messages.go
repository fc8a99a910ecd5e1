package offgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var errUnknownMessage = errors.New("unknown message type")

// Control message types accepted from the host page.
const (
	MsgSkipWaiting = "SKIP_WAITING"
	MsgUpdateCache = "UPDATE_CACHE"
	MsgClearCache  = "CLEAR_CACHE"
)

type message struct {
	Type string `json:"type"`
}

type ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// dispatch routes a control message to its handler. Every command is
// idempotent; the ack is an addition over the fire-and-forget baseline so
// callers can observe the outcome.
func (g *Gateway) dispatch(ctx context.Context, msgType string) error {
	switch msgType {
	case MsgSkipWaiting:
		g.skipOnce.Do(func() { close(g.skipCh) })
		return nil
	case MsgUpdateCache:
		return g.precache(ctx)
	case MsgClearCache:
		return g.clearCache()
	default:
		return fmt.Errorf("%w: %q", errUnknownMessage, msgType)
	}
}

// clearCache drops every tier regardless of version, then re-registers the
// two current (now empty) tiers.
func (g *Gateway) clearCache() error {
	names, err := g.store.TierNames()
	if err != nil {
		return fmt.Errorf("enumerate tiers: %w", err)
	}
	for _, name := range names {
		if err := g.store.DropTier(name); err != nil {
			return fmt.Errorf("drop tier %s: %w", name, err)
		}
	}
	g.ram.Clear()
	if _, err := g.store.Tier(g.staticTier.Name()); err != nil {
		return err
	}
	if _, err := g.store.Tier(g.dataTier.Name()); err != nil {
		return err
	}
	g.logger.Info("all cache tiers cleared")
	return nil
}

func (g *Gateway) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, ack{Error: "invalid message body"})
		return
	}
	if err := g.dispatch(r.Context(), msg.Type); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errUnknownMessage) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, ack{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ack{OK: true})
}

// outboxEnvelope is the wire shape for queueing a deferred mutation.
type outboxEnvelope struct {
	URL    string              `json:"url"`
	Method string              `json:"method"`
	Header map[string][]string `json:"header,omitempty"`
	Body   string              `json:"body,omitempty"`
}

func (g *Gateway) handleOutboxEnqueue(w http.ResponseWriter, r *http.Request) {
	var env outboxEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeJSON(w, http.StatusBadRequest, ack{Error: "invalid outbox envelope"})
		return
	}
	item, err := g.outbox.Enqueue(OutboxItem{
		URL:    env.URL,
		Method: env.Method,
		Header: env.Header,
		Body:   []byte(env.Body),
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ack{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, struct {
		OK             bool   `json:"ok"`
		Seq            uint64 `json:"seq"`
		IdempotencyKey string `json:"idempotencyKey"`
	}{true, item.Seq, item.IdempotencyKey})
}

func (g *Gateway) handleSync(w http.ResponseWriter, r *http.Request) {
	n, err := g.outbox.Replay(r.Context(), g.httpClient, g.cfg.Server.Origin)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, struct {
			OK       bool   `json:"ok"`
			Replayed int    `json:"replayed"`
			Error    string `json:"error"`
		}{false, n, err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK       bool `json:"ok"`
		Replayed int  `json:"replayed"`
	}{true, n})
}

func (g *Gateway) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ack{Error: "unreadable payload"})
		return
	}
	n, err := decodeNotification(payload)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ack{Error: "invalid notification payload"})
		return
	}
	g.notifier.Show(n)
	writeJSON(w, http.StatusAccepted, ack{OK: true})
}

func (g *Gateway) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var click struct {
		Action string `json:"action"`
		Tag    string `json:"tag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&click); err != nil {
		writeJSON(w, http.StatusBadRequest, ack{Error: "invalid click body"})
		return
	}
	writeJSON(w, http.StatusOK, routeAction(click.Action, g.clients))
}

func (g *Gateway) handleStatsJSON(w http.ResponseWriter, r *http.Request) {
	staticN, _ := g.staticTier.Len()
	dataN, _ := g.dataTier.Len()
	staticBytes, _ := g.staticTier.SizeBytes()
	dataBytes, _ := g.dataTier.SizeBytes()
	outboxN, _ := g.outbox.Len()

	writeJSON(w, http.StatusOK, struct {
		State         string         `json:"state"`
		StaticTier    string         `json:"staticTier"`
		DataTier      string         `json:"dataTier"`
		StaticEntries int            `json:"staticEntries"`
		DataEntries   int            `json:"dataEntries"`
		StaticBytes   int64          `json:"staticBytes"`
		DataBytes     int64          `json:"dataBytes"`
		RAMBytes      int64          `json:"ramBytes"`
		OutboxItems   int            `json:"outboxItems"`
		Clients       int            `json:"clients"`
		Responses     statsSnapshot  `json:"responses"`
		Latencies     []latencyStats `json:"latencies"`
	}{
		State:         g.State().String(),
		StaticTier:    g.staticTier.Name(),
		DataTier:      g.dataTier.Name(),
		StaticEntries: staticN,
		DataEntries:   dataN,
		StaticBytes:   staticBytes,
		DataBytes:     dataBytes,
		RAMBytes:      g.ram.TotalSize(),
		OutboxItems:   outboxN,
		Clients:       g.clients.Len(),
		Responses:     g.stats.Snapshot(),
		Latencies:     g.latency.AllStats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
