// ABOUTME: HTTP API handlers for agent status and the shared span log
// ABOUTME: Implements /status, /api/agents, /api/packs, /api/spans (+ SSE stream) and /api/traces

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/coven-swarm/internal/agent"
	"github.com/2389/coven-swarm/internal/eventlog"
	"github.com/2389/coven-swarm/internal/span"
	"github.com/2389/coven-swarm/internal/tailer"
)

// SpanRequest is the JSON body for POST /api/spans. Only name is required;
// missing identifiers and the timestamp are filled in.
type SpanRequest struct {
	Name         string         `json:"name"`
	TraceID      string         `json:"trace_id,omitempty"`
	SpanID       string         `json:"span_id,omitempty"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	Timestamp    *float64       `json:"timestamp,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// AppendResponse is the JSON response for POST /api/spans.
type AppendResponse struct {
	Offset  int64  `json:"offset"`
	SpanID  string `json:"span_id"`
	TraceID string `json:"trace_id"`
}

// RecordResponse is one span with its position in the log.
type RecordResponse struct {
	Offset int64     `json:"offset"`
	Next   int64     `json:"next"`
	Span   span.Span `json:"span"`
}

// SpansResponse is the JSON response for GET /api/spans.
type SpansResponse struct {
	Records   []RecordResponse `json:"records"`
	Next      int64            `json:"next"`
	Malformed int              `json:"malformed"`
	Dropped   int64            `json:"dropped"`
	Epoch     uint64           `json:"epoch"`
}

// PackResponse describes one registered agent kind.
type PackResponse struct {
	Kind        string   `json:"kind"`
	Description string   `json:"description"`
	Filter      string   `json:"filter"`
	Initial     string   `json:"initial"`
	States      []string `json:"states"`
}

// traceLister is implemented by logs that index spans by trace.
type traceLister interface {
	ListByTrace(ctx context.Context, traceID string) ([]span.Span, error)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleStatus handles GET /status. It returns every agent's status snapshot.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	g.writeJSON(w, http.StatusOK, g.manager.Statuses())
}

// handleAgent handles GET /api/agents/{name}.
func (g *Gateway) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/agents/"), "/")
	if name == "" {
		g.writeJSON(w, http.StatusOK, g.manager.Statuses())
		return
	}

	rt, err := g.manager.Get(name)
	if errors.Is(err, agent.ErrAgentNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "agent not found: "+name)
		return
	}
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, rt.Status())
}

// handlePacks handles GET /api/packs.
func (g *Gateway) handlePacks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	list := g.registry.List()
	out := make([]PackResponse, 0, len(list))
	for _, p := range list {
		def := p.Factory()
		states := make([]string, len(def.States))
		for i, s := range def.States {
			states[i] = string(s)
		}
		out = append(out, PackResponse{
			Kind:        p.Kind,
			Description: p.Description,
			Filter:      def.Filter,
			Initial:     string(def.InitialState()),
			States:      states,
		})
	}
	g.writeJSON(w, http.StatusOK, out)
}

// handleSpans dispatches /api/spans by method.
func (g *Gateway) handleSpans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		g.handleAppendSpan(w, r)
	case http.MethodGet:
		g.handleReadSpans(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleAppendSpan handles POST /api/spans.
func (g *Gateway) handleAppendSpan(w http.ResponseWriter, r *http.Request) {
	var req SpanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Name == "" {
		g.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	s := g.emitter.Build(nil, req.Name, req.Attributes)
	if req.TraceID != "" {
		s.TraceID = req.TraceID
	}
	if req.SpanID != "" {
		s.SpanID = req.SpanID
	}
	s.ParentSpanID = req.ParentSpanID
	if req.Timestamp != nil {
		s.Timestamp = *req.Timestamp
	}

	offset, err := g.emitter.Append(r.Context(), s)
	if err != nil {
		var mre *span.MalformedRecordError
		switch {
		case errors.As(err, &mre):
			g.sendJSONError(w, http.StatusBadRequest, mre.Error())
		case errors.Is(err, eventlog.ErrDuplicateSpan):
			g.sendJSONError(w, http.StatusConflict, "duplicate span_id: "+s.SpanID)
		default:
			g.logger.Error("append failed", "span_name", s.Name, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "append failed")
		}
		return
	}

	g.logger.Debug("span appended via API", "span_name", s.Name, "span_id", s.SpanID, "offset", offset)
	g.writeJSON(w, http.StatusCreated, AppendResponse{Offset: offset, SpanID: s.SpanID, TraceID: s.TraceID})
}

// parseFrom reads the from query parameter. "end" means the current end of the log.
func parseFrom(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("from")
	switch raw {
	case "", "beginning":
		return tailer.StartBeginning, nil
	case "end":
		return tailer.StartEnd, nil
	}
	from, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || from < 0 {
		return 0, fmt.Errorf("invalid from %q", raw)
	}
	return from, nil
}

// handleReadSpans handles GET /api/spans?from=N. It returns one batch under
// the same read contract agents use; clients continue from next.
func (g *Gateway) handleReadSpans(w http.ResponseWriter, r *http.Request) {
	from, err := parseFrom(r)
	if err != nil || from == tailer.StartEnd {
		g.sendJSONError(w, http.StatusBadRequest, "from must be a non-negative offset")
		return
	}

	batch, err := g.log.ReadFrom(r.Context(), from)
	if errors.Is(err, eventlog.ErrTruncated) {
		g.sendJSONError(w, http.StatusConflict, "log truncated, restart from 0")
		return
	}
	if err != nil {
		g.logger.Error("read failed", "from", from, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "read failed")
		return
	}

	resp := SpansResponse{
		Records:   make([]RecordResponse, len(batch.Records)),
		Next:      batch.Next,
		Malformed: batch.Malformed,
		Dropped:   batch.Dropped,
		Epoch:     batch.Epoch,
	}
	for i, rec := range batch.Records {
		resp.Records[i] = RecordResponse{Offset: rec.Offset, Next: rec.Next, Span: rec.Span}
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleSpanStream handles GET /api/spans/stream?from=N as Server-Sent Events.
// Each record is sent as a "span" event until the client disconnects.
func (g *Gateway) handleSpanStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	from, err := parseFrom(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	var notifier tailer.Notifier = tailer.NewInterval(g.config.Runtime.PollInterval)
	if obs, ok := g.log.(eventlog.Observable); ok {
		notifier = tailer.NewSignal(ctx, obs.Broadcaster(), g.config.Runtime.PollInterval)
	}
	t := tailer.New(g.log, tailer.Options{Start: from, Logger: g.logger})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		records, err := t.Poll(ctx)
		if err != nil {
			if ctx.Err() == nil {
				g.writeSSEEvent(w, "error", map[string]string{"error": err.Error()})
				flusher.Flush()
			}
			return
		}
		for _, rec := range records {
			g.writeSSEEvent(w, "span", RecordResponse{Offset: rec.Offset, Next: rec.Next, Span: rec.Span})
		}
		if len(records) > 0 {
			flusher.Flush()
		}
		if err := notifier.Wait(ctx); err != nil {
			return
		}
	}
}

// handleTrace handles GET /api/traces/{trace_id} on logs that index traces.
func (g *Gateway) handleTrace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	traceID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/traces/"), "/")
	if traceID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "trace id is required")
		return
	}
	lister, ok := g.log.(traceLister)
	if !ok {
		g.sendJSONError(w, http.StatusNotImplemented, "trace lookup needs the sqlite backend")
		return
	}

	spans, err := lister.ListByTrace(r.Context(), traceID)
	if err != nil {
		g.logger.Error("trace lookup failed", "trace_id", traceID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "trace lookup failed")
		return
	}
	if spans == nil {
		spans = []span.Span{}
	}
	g.writeJSON(w, http.StatusOK, spans)
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	_, _ = fmt.Fprint(w, formatSSEEvent(event, string(dataJSON)))
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
