package offgate

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Gateway intercepts every request the application page would issue and
// decides whether to serve from cache, fetch from the origin, update a
// tier, or synthesize an offline response. No failure path escapes to the
// caller unhandled: every request ends in a response.
type Gateway struct {
	cfg    Config
	logger *slog.Logger

	store      *Store
	staticTier *Tier
	dataTier   *Tier
	ram        *ramCache
	outbox     *Outbox

	clients  *clientRegistry
	notifier Notifier

	stats       *statsCollector
	latency     *latencyTracker
	overflowLog *rateLimitedLogger

	httpClient *http.Client
	originHost string
	manifest   map[string]bool // resolved manifest targets

	state    atomic.Int32
	skipOnce sync.Once
	skipCh   chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewGateway(cfg Config, logger *slog.Logger) (*Gateway, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	originURL, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("server.origin: %w", err)
	}

	store, err := OpenStore(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	staticTier, err := store.Tier(cfg.StaticTierName())
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	dataTier, err := store.Tier(cfg.DataTierName())
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ramMax, err := parseBytes(cfg.Storage.RAM.Max)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("storage.ram.max: %w", err)
	}

	overflowLog := newRateLimitedLogger(logger, time.Minute)

	g := &Gateway{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		staticTier:  staticTier,
		dataTier:    dataTier,
		ram:         newRAMCache(ramMax, overflowLog),
		outbox:      newOutbox(store),
		clients:     newClientRegistry(0),
		notifier:    &slogNotifier{log: logger},
		stats:       newStatsCollector(),
		latency:     newLatencyTracker(0.01),
		overflowLog: overflowLog,
		httpClient:  &http.Client{Timeout: cfg.Network.timeoutDur},
		originHost:  originURL.Host,
		skipCh:      make(chan struct{}),
		stopCh:      make(chan struct{}),
	}

	g.manifest = make(map[string]bool, len(cfg.Precache.Assets))
	for _, a := range cfg.Precache.Assets {
		g.manifest[g.resolveTarget(a)] = true
	}

	g.state.Store(int32(StateUnregistered))
	return g, nil
}

func (g *Gateway) Close() error {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
	return g.store.Close()
}

func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /offgate/v1/message", g.handleMessage)
	mux.HandleFunc("POST /offgate/v1/outbox", g.handleOutboxEnqueue)
	mux.HandleFunc("POST /offgate/v1/sync", g.handleSync)
	mux.HandleFunc("POST /offgate/v1/push", g.handlePush)
	mux.HandleFunc("POST /offgate/v1/notification-click", g.handleNotificationClick)
	mux.HandleFunc("GET /offgate/v1/stats", g.handleStatsJSON)
	mux.HandleFunc("/", g.handleFetch)
	return mux
}

// ---- request classification ----

// resolveTarget turns a manifest path or request path into the absolute
// URL the gateway fetches.
func (g *Gateway) resolveTarget(u string) string {
	if isAbsoluteURL(u) {
		return u
	}
	return g.cfg.Server.Origin + u
}

func (g *Gateway) targetFor(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	return g.cfg.Server.Origin + r.URL.RequestURI()
}

func (g *Gateway) isAPI(target string) bool {
	return strings.Contains(target, g.cfg.Routing.APIMarker)
}

func (g *Gateway) isSameOrigin(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return u.Host == g.originHost
}

func (g *Gateway) isAllowlisted(target string) bool {
	for _, p := range g.cfg.Precache.AllowExternal {
		if strings.HasPrefix(target, p) {
			return true
		}
	}
	return false
}

// isOpaque reports whether a response for target could not be validated:
// cross-origin and not allow-listed. Such responses pass through but are
// never cached, since a cached error page would poison offline loads.
func (g *Gateway) isOpaque(target string) bool {
	return !g.isSameOrigin(target) && !g.isAllowlisted(target)
}

func (g *Gateway) cacheableStatic(target string) bool {
	return g.manifest[target] || g.isAllowlisted(target)
}

func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// ---- fetch routing ----

func (g *Gateway) handleFetch(w http.ResponseWriter, r *http.Request) {
	if g.State() != StateActive {
		w.Header().Set("Retry-After", "1")
		g.writeSynth(w, http.StatusServiceUnavailable, dispNotReady)
		return
	}

	target := g.targetFor(r)
	if g.isAPI(target) {
		g.handleAPI(w, r, target)
		return
	}
	g.handleStatic(w, r, target)
}

// handleAPI is network-first: freshness wins over availability whenever
// the origin answers. Only an exact 200 is stored, and the live response
// is returned whether or not the tier write succeeded.
func (g *Gateway) handleAPI(w http.ResponseWriter, r *http.Request, target string) {
	start := time.Now()
	key := entryKey(r.Method, target)

	ent, err := g.fetchOrigin(r, target)
	if err != nil {
		g.latency.since(opAPIFallback, start)
		if cached, ok := g.dataTier.Get(key); ok {
			g.writeEntry(w, cached, dispStale)
			return
		}
		g.writeSynth(w, http.StatusGatewayTimeout, dispOffline)
		return
	}
	g.latency.since(opAPINetwork, start)

	if ent.Status != http.StatusOK {
		g.writeEntry(w, ent, dispIgnored)
		return
	}
	if err := g.dataTier.Put(key, ent); err != nil {
		g.overflowLog.Warn("data tier write failed", "key", key, "error", err)
	}
	g.writeEntry(w, ent, dispMiss)
}

// handleStatic is cache-first: a tier hit never touches the network. On a
// miss the origin response passes through, and is stored only when it is
// a 200, is not opaque, and the URL is in the manifest or allow-listed.
func (g *Gateway) handleStatic(w http.ResponseWriter, r *http.Request, target string) {
	start := time.Now()
	key := entryKey(r.Method, target)
	nav := isNavigation(r)

	if ent, ok := g.ram.Get(key); ok {
		g.latency.since(opStaticHit, start)
		g.observeClient(nav, target)
		g.writeEntry(w, ent, dispHit)
		return
	}
	if ent, ok := g.staticTier.Get(key); ok {
		g.ram.Put(key, ent)
		g.latency.since(opStaticHit, start)
		g.observeClient(nav, target)
		g.writeEntry(w, ent, dispHit)
		return
	}

	ent, err := g.fetchOrigin(r, target)
	if err != nil {
		if nav {
			shellKey := entryKey(http.MethodGet, g.resolveTarget(g.cfg.Routing.ShellPath))
			if shell, ok := g.lookupStatic(shellKey); ok {
				g.observeClient(nav, target)
				g.writeEntry(w, shell, dispShell)
				return
			}
		}
		g.writeSynth(w, http.StatusServiceUnavailable, dispOffline)
		return
	}
	g.latency.since(opStaticFill, start)
	g.observeClient(nav, target)

	if ent.Status != http.StatusOK {
		g.writeEntry(w, ent, dispIgnored)
		return
	}
	if g.isOpaque(target) {
		g.writeEntry(w, ent, dispBypass)
		return
	}
	if r.Method == http.MethodGet && g.cacheableStatic(target) {
		if err := g.staticTier.Put(key, ent); err != nil {
			g.overflowLog.Warn("static tier write failed", "key", key, "error", err)
		} else {
			g.ram.Put(key, ent)
		}
		g.writeEntry(w, ent, dispMiss)
		return
	}
	g.writeEntry(w, ent, dispBypass)
}

func (g *Gateway) lookupStatic(key string) (CacheEntry, bool) {
	if ent, ok := g.ram.Get(key); ok {
		return ent, true
	}
	return g.staticTier.Get(key)
}

func (g *Gateway) observeClient(nav bool, target string) {
	if nav && g.isSameOrigin(target) {
		g.clients.Observe(target)
	}
}

// ---- origin fetch ----

func (g *Gateway) fetchOrigin(r *http.Request, target string) (CacheEntry, error) {
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	return g.fetchURL(r.Context(), r.Method, target, r.Header, body)
}

func (g *Gateway) fetchURL(ctx context.Context, method, target string, header http.Header, body io.Reader) (CacheEntry, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return CacheEntry{}, err
	}
	if header != nil {
		copyHeaders(req.Header, header)
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, err
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(b),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

// ---- response writing ----

func (g *Gateway) writeEntry(w http.ResponseWriter, ent CacheEntry, disposition string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "x-offgate") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setDispositionHeaders(w.Header(), disposition)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
	g.stats.Observe(disposition, len(ent.Body))
}

func (g *Gateway) writeSynth(w http.ResponseWriter, status int, disposition string) {
	setDispositionHeaders(w.Header(), disposition)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	body := http.StatusText(status)
	_, _ = io.WriteString(w, body)
	g.stats.Observe(disposition, len(body))
}

func setDispositionHeaders(h http.Header, disposition string) {
	if disposition != "" {
		h.Set("X-Offgate", disposition)
	}
	// In a CORS context custom headers are invisible to JS unless exposed.
	ensureExposedHeader(h, "X-Offgate")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// ---- background loops ----

func (g *Gateway) startLoops() {
	if every := g.cfg.Logging.logStatsEveryDur; every > 0 {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.statsLoop(every)
		}()
	}
	if every := g.cfg.Outbox.replayEveryDur; every > 0 {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.replayLoop(every)
		}()
	}
}

func (g *Gateway) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-t.C:
			ss := g.stats.Snapshot()
			staticN, _ := g.staticTier.Len()
			dataN, _ := g.dataTier.Len()
			outboxN, _ := g.outbox.Len()
			g.logger.Info("cache stats",
				"static", staticN,
				"data", dataN,
				"outbox", outboxN,
				"ram", formatBytes(uint64(g.ram.TotalSize())),
				"responses", ss.TotalResponses,
				"hits", ss.Hits,
				"misses", ss.Misses,
				"fallbacks", ss.Fallbacks,
				"avgResp", formatBytes(ss.AvgRespBytes),
			)
			for _, st := range g.latency.AllStats() {
				g.logger.Info("latency", "stats", st.String())
			}
		}
	}
}

// replayLoop is the background sync trigger: a failed cycle is logged and
// retried whole on the next tick, never partially cleared.
func (g *Gateway) replayLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			start := time.Now()
			n, err := g.outbox.Replay(ctx, g.httpClient, g.cfg.Server.Origin)
			g.latency.since(opReplay, start)
			cancel()
			if err != nil {
				g.overflowLog.Warn("outbox replay failed, will retry", "sent", n, "error", err)
				continue
			}
			if n > 0 {
				g.logger.Info("outbox replayed", "items", n)
			}
		}
	}
}
