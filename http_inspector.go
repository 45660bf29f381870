package relaycache

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sirupsen/logrus"

	"github.com/eljojo/relaycache/types"
	"github.com/eljojo/relaycache/utilities/keyring"
)

// Inspector is a read-only HTTP view of a running cache.
type Inspector struct {
	store    *EventStore
	ingestor *Ingestor
	loader   *TimelineLoader
	router   chi.Router
	started  time.Time
}

// NewInspector builds the inspector. ingestor and loader may be nil.
func NewInspector(store *EventStore, ingestor *Ingestor, loader *TimelineLoader) *Inspector {
	in := &Inspector{
		store:    store,
		ingestor: ingestor,
		loader:   loader,
		started:  time.Now(),
	}
	in.routes()
	return in
}

// ServeHTTP implements http.Handler.
func (in *Inspector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	in.router.ServeHTTP(w, r)
}

func (in *Inspector) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", in.handleHealth)
		r.Get("/stats", in.handleStats)
		r.Get("/events", in.handleEvents)
		r.Get("/events/{id}", in.handleEventDetail)
		r.Get("/loader", in.handleLoader)
		r.Get("/stream", in.handleStream)
	})
	in.router = r
}

// responseLogger wraps ResponseWriter to capture status code
type responseLogger struct {
	http.ResponseWriter
	status int
}

func (rl *responseLogger) WriteHeader(code int) {
	rl.status = code
	rl.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher interface by delegating to underlying ResponseWriter
func (rl *responseLogger) Flush() {
	if f, ok := rl.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseLogger{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logrus.Debugf("🌐 %s %s %d (%s)", r.Method, r.URL.Path, wrapped.status, time.Since(start).Round(time.Millisecond))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Warnf("inspector: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (in *Inspector) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(in.started).Round(time.Second).String(),
	})
}

// handleStats - GET /api/stats
func (in *Inspector) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"store": in.store.Stats()}
	if in.ingestor != nil {
		resp["ingest"] = in.ingestor.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents - GET /api/events?kinds=1,7&authors=<hex|npub>,...&since=&until=&tag=t:go&limit=
func (in *Inspector) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseFilterQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events := in.store.Query(filter)
	if events == nil {
		events = []*nostr.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"events": events,
	})
}

// handleEventDetail - GET /api/events/{id}
func (in *Inspector) handleEventDetail(w http.ResponseWriter, r *http.Request) {
	id := types.EventID(chi.URLParam(r, "id"))
	ev := in.store.Get(id)
	if ev == nil {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}

	detail := map[string]any{
		"event":    ev,
		"class":    ClassifyKind(ev.Kind).String(),
		"claims":   in.store.ClaimCount(id),
		"priority": evictionPriority(ev),
	}
	if key := ReplaceableKey(ev); key != "" {
		detail["address"] = key
	}
	if at, ok := ExpirationOf(ev); ok {
		detail["expires_at"] = at
	}
	if ev.Kind == nostr.KindDeletion {
		pointers := DeletionPointers(ev)
		targets := make([]string, 0, len(pointers))
		for _, p := range pointers {
			targets = append(targets, p.String())
		}
		detail["targets"] = targets
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleLoader - GET /api/loader
func (in *Inspector) handleLoader(w http.ResponseWriter, r *http.Request) {
	if in.loader == nil {
		writeError(w, http.StatusNotFound, "no loader attached")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window":  in.loader.Window().String(),
		"loaders": in.loader.States(),
	})
}

// handleStream - GET /api/stream, server-sent inserts and removals
func (in *Inspector) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		logrus.Error("SSE not supported - ResponseWriter doesn't implement http.Flusher")
		writeError(w, http.StatusInternalServerError, "SSE not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	inserted := in.store.Inserted()
	defer inserted.Close()
	removed := in.store.Removed()
	defer removed.Close()

	fmt.Fprintf(w, "event: connected\ndata: {\"events\":%d}\n\n", in.store.Len())
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
		case ev, ok := <-inserted.C:
			if !ok {
				return
			}
			if !writeSSE(w, "insert", ev) {
				continue
			}
		case ev, ok := <-removed.C:
			if !ok {
				return
			}
			if !writeSSE(w, "remove", map[string]string{"id": ev.ID}) {
				continue
			}
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		logrus.Errorf("SSE: failed to marshal %s: %v", event, err)
		return false
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return true
}

// ParseFilterQuery builds a filter from inspector query parameters.
func ParseFilterQuery(q map[string][]string) (nostr.Filter, error) {
	get := func(key string) string {
		if v := q[key]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}

	filter := nostr.Filter{Limit: 100}

	if raw := get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, fmt.Errorf("bad limit %q", raw)
		}
		if limit > 1000 {
			limit = 1000
		}
		filter.Limit = limit
	}
	if raw := get("ids"); raw != "" {
		filter.IDs = splitList(raw)
	}
	if raw := get("kinds"); raw != "" {
		for _, part := range splitList(raw) {
			kind, err := strconv.Atoi(part)
			if err != nil {
				return filter, fmt.Errorf("bad kind %q", part)
			}
			filter.Kinds = append(filter.Kinds, kind)
		}
	}
	if raw := get("authors"); raw != "" {
		for _, part := range splitList(raw) {
			pk, err := keyring.ParsePublicKey(part)
			if err != nil {
				return filter, fmt.Errorf("bad author %q: %w", part, err)
			}
			filter.Authors = append(filter.Authors, string(pk))
		}
	}
	for _, bound := range []struct {
		key string
		dst **nostr.Timestamp
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		raw := get(bound.key)
		if raw == "" {
			continue
		}
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ts < 0 {
			return filter, fmt.Errorf("bad %s %q", bound.key, raw)
		}
		*bound.dst = At(nostr.Timestamp(ts))
	}
	for _, raw := range q["tag"] {
		name, value, ok := strings.Cut(raw, ":")
		if !ok || len(name) != 1 || value == "" {
			return filter, fmt.Errorf("bad tag %q, want name:value", raw)
		}
		if filter.Tags == nil {
			filter.Tags = nostr.TagMap{}
		}
		filter.Tags[name] = append(filter.Tags[name], value)
	}
	return filter, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
