// Package pipeline implements the request admission and dispatch
// pipeline: the HTTP handler that composes authentication, endpoint and
// model allowlisting, hierarchical-scheduler admission, body-shape
// dispatch, upstream transport, and response adaptation, with usage and
// metrics recording and guaranteed upload-staging cleanup on every exit
// path.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arlonbr/llmgate/pkg/allowlist"
	"github.com/arlonbr/llmgate/pkg/keystore"
	"github.com/arlonbr/llmgate/pkg/metrics"
	"github.com/arlonbr/llmgate/pkg/scheduler"
	"github.com/arlonbr/llmgate/pkg/staging"
	"github.com/arlonbr/llmgate/pkg/transport"
	"github.com/arlonbr/llmgate/pkg/usage"
)

const (
	maxJSONBodyBytes      = 50 << 20
	maxMultipartPartBytes = 50 << 20
	maxMultipartParts     = 5
	maxMultipartTextField = 1 << 16
)

// Deps are the collaborators a Handler composes. All are required except
// Logger/AccessLog, which fall back to slog.Default() and a no-op sink
// respectively.
type Deps struct {
	Keystore          *keystore.Store
	Allowlist         allowlist.Config
	Scheduler         *scheduler.Scheduler
	Upstream          *transport.Transport
	UsageSink         *usage.Sink
	MetricsSink       *metrics.Sink
	Staging           *staging.Store
	UpstreamAPIKey    string
	MaxUploadsPerUser int
	Logger            *slog.Logger
	AccessLog         *slog.Logger
}

// Handler is the request admission and dispatch pipeline's HTTP surface.
type Handler struct {
	keystore    *keystore.Store
	allow       allowlist.Config
	sched       *scheduler.Scheduler
	upstream    *transport.Transport
	usageSink   *usage.Sink
	metricsSink *metrics.Sink
	staging     *staging.Store

	upstreamAPIKey    string
	maxUploadsPerUser int64

	logger    *slog.Logger
	accessLog *slog.Logger

	uploadSlots sync.Map // principal key -> *atomic.Int64
}

func New(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxUploads := d.MaxUploadsPerUser
	if maxUploads <= 0 {
		maxUploads = 2
	}
	return &Handler{
		keystore:          d.Keystore,
		allow:             d.Allowlist,
		sched:             d.Scheduler,
		upstream:          d.Upstream,
		usageSink:         d.UsageSink,
		metricsSink:       d.MetricsSink,
		staging:           d.Staging,
		upstreamAPIKey:    d.UpstreamAPIKey,
		maxUploadsPerUser: int64(maxUploads),
		logger:            logger,
		accessLog:         d.AccessLog,
	}
}

// dispatchOutcome is what a scheduler-admitted unit of work returns: for
// buffered shapes the response is still unwritten (status/headers/body
// carried for the caller to forward); for the streaming shape the
// response has already been written to the client as it arrived, and
// only the scraped usage survives.
type dispatchOutcome struct {
	status   int
	headers  http.Header
	body     []byte
	streamed bool
	model    string

	promptTokens     int
	completionTokens int
	totalTokens      int
}

// extractAPIKey checks the fixed list of header names the spec names,
// in priority order, returning the first non-empty value verbatim after
// trimming. http.Header.Get() canonicalizes the header name on lookup,
// so this already tolerates any case variant the client sent it in —
// no ad-hoc multi-case probing is needed.
func extractAPIKey(h http.Header) string {
	for _, name := range []string{"Api-Key", "X-Api-Key", "ApiKey", "Authorization"} {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

func classifyMultipart(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	ct := r.Header.Get("Content-Type")
	if isJSONContentType(ct) {
		return false
	}
	return strings.Contains(r.URL.Path, "/audio/") && strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "multipart/form-data")
}

func isJSONContentType(ct string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "application/json")
}

// handleProxy is the entry point for every path other than /health and
// /metrics. It walks Authenticating -> EndpointCheck -> Dispatching,
// handing off to the shape-specific path once those two gates pass.
func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	key := extractAPIKey(r.Header)
	principal, ok := h.keystore.Lookup(key)
	if !ok {
		h.fail(w, r, principal, nil, errInvalidKey(), start)
		return
	}

	if !h.allow.EndpointAllowed(r.URL.Path) {
		h.fail(w, r, principal, nil, errEndpointNotAllowed(r.URL.Path), start)
		return
	}

	if classifyMultipart(r) {
		h.dispatchMultipart(w, r, principal, start)
		return
	}
	h.dispatchJSON(w, r, principal, start)
}

// dispatchJSON implements the JsonPath/StreamingPath rows: parse and
// normalize the body, then run the metered upstream call under scheduler
// admission.
func (h *Handler) dispatchJSON(w http.ResponseWriter, r *http.Request, principal keystore.Principal, start time.Time) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBodyBytes+1))
	_ = r.Body.Close()
	if err != nil {
		h.fail(w, r, principal, nil, errMalformedRequest("failed to read request body"), start)
		return
	}
	if len(raw) > maxJSONBodyBytes {
		h.fail(w, r, principal, nil, errMalformedRequest("request body exceeds maximum size"), start)
		return
	}

	body := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			h.fail(w, r, principal, nil, errMalformedRequest("invalid json body"), start)
			return
		}
	}

	defaulted, err := h.allow.Normalize(body)
	if err != nil {
		var notAllowed *allowlist.ErrModelNotAllowed
		if errors.As(err, &notAllowed) {
			h.fail(w, r, principal, body, errModelNotAllowed(notAllowed.Model), start)
			return
		}
		h.fail(w, r, principal, body, errMalformedRequest(err.Error()), start)
		return
	}
	if defaulted {
		h.logger.Info("defaulted model", "principal", principal.Key, "default_model", h.allow.DefaultModel, "path", r.URL.Path)
	}

	model := modelFromBody(body)
	stream, _ := body["stream"].(bool)
	outBody, err := json.Marshal(body)
	if err != nil {
		h.fail(w, r, principal, body, errMalformedRequest("failed to encode normalized body"), start)
		return
	}

	endpoint := r.URL.Path
	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	upstreamCtx := context.WithoutCancel(r.Context())

	outcome, err := scheduler.Schedule(r.Context(), h.sched, principal.Key, func() (*dispatchOutcome, error) {
		if stream {
			return h.runStreaming(upstreamCtx, w, endpoint, outBody, model, idemKey)
		}
		return h.runBuffered(upstreamCtx, h.upstream.JSON, endpoint, outBody, model, idemKey)
	})
	if err != nil {
		h.handleUpstreamError(w, r, principal, body, err, start, endpoint, model)
		return
	}
	h.finishOutcome(w, r, principal, body, outcome, start, endpoint)
}

// dispatchMultipart implements the MultipartPath row: an orthogonal
// per-principal upload-slot counter, parts staged to disk (released on
// every exit path), model validation, and reassembly with a fresh
// boundary before the metered upstream call.
func (h *Handler) dispatchMultipart(w http.ResponseWriter, r *http.Request, principal keystore.Principal, start time.Time) {
	if !h.acquireUploadSlot(principal.Key) {
		h.metricsSink.RecordUploadRejected(principal.Key)
		h.fail(w, r, principal, nil, errUploadQuotaExceeded(), start)
		return
	}
	defer h.releaseUploadSlot(principal.Key)

	mr, err := r.MultipartReader()
	if err != nil {
		h.fail(w, r, principal, nil, errMalformedRequest("invalid multipart body"), start)
		return
	}

	var releases []func()
	defer func() {
		for _, release := range releases {
			release()
		}
	}()

	var model string
	var fields []multipartField
	parts := 0
	audioOnly := strings.Contains(r.URL.Path, "/audio/")

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			h.fail(w, r, principal, nil, errMalformedRequest("invalid multipart body"), start)
			return
		}
		parts++
		if parts > maxMultipartParts {
			_ = part.Close()
			h.fail(w, r, principal, nil, errMalformedRequest("too many multipart parts"), start)
			return
		}

		if part.FileName() == "" {
			buf, _ := io.ReadAll(io.LimitReader(part, maxMultipartTextField))
			_ = part.Close()
			name := part.FormName()
			if name == "model" {
				model = strings.TrimSpace(string(buf))
			} else {
				fields = append(fields, multipartField{name: name, value: string(buf)})
			}
			continue
		}

		declaredMIME := part.Header.Get("Content-Type")
		if audioOnly && !audioMIMEAllowed(declaredMIME) {
			_ = part.Close()
			h.fail(w, r, principal, nil, errMalformedRequest("unsupported audio content type: "+declaredMIME), start)
			return
		}

		entry, release, err := h.staging.Acquire(part.FormName(), part.FileName(), declaredMIME, io.LimitReader(part, maxMultipartPartBytes+1))
		_ = part.Close()
		if err != nil {
			h.fail(w, r, principal, nil, errMalformedRequest("failed to stage upload"), start)
			return
		}
		releases = append(releases, release)
		if entry.ByteSize > maxMultipartPartBytes {
			h.fail(w, r, principal, nil, errMalformedRequest("multipart part exceeds maximum size"), start)
			return
		}
		fields = append(fields, multipartField{entry: entry})
	}

	normalized := map[string]any{}
	if model != "" {
		normalized["model"] = model
	}
	_, err = h.allow.Normalize(normalized)
	if err != nil {
		var notAllowed *allowlist.ErrModelNotAllowed
		if errors.As(err, &notAllowed) {
			h.fail(w, r, principal, nil, errModelNotAllowed(notAllowed.Model), start)
			return
		}
		h.fail(w, r, principal, nil, errMalformedRequest(err.Error()), start)
		return
	}
	model = modelFromBody(normalized)

	body, contentType, err := buildMultipartBody(model, fields)
	if err != nil {
		h.fail(w, r, principal, nil, errMalformedRequest("failed to reassemble multipart body"), start)
		return
	}

	endpoint := r.URL.Path
	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	upstreamCtx := context.WithoutCancel(r.Context())

	outcome, err := scheduler.Schedule(r.Context(), h.sched, principal.Key, func() (*dispatchOutcome, error) {
		return h.runBuffered(upstreamCtx, h.multipartCaller(contentType), endpoint, body, model, idemKey)
	})
	if err != nil {
		h.handleUpstreamError(w, r, principal, map[string]any{"model": model, "multipart": true}, err, start, endpoint, model)
		return
	}
	h.finishOutcome(w, r, principal, map[string]any{"model": model, "multipart": true}, outcome, start, endpoint)
}

// multipartField is either a plain text field (name/value set, entry nil)
// or a staged file part (entry set). The model field is tracked separately
// since it alone is validated and normalized against the allowlist.
type multipartField struct {
	name  string
	value string
	entry *staging.Entry
}

func buildMultipartBody(model string, fields []multipartField) (body []byte, contentType string, err error) {
	buf := &strings.Builder{}
	mw := multipart.NewWriter(buf)
	if model != "" {
		if err := mw.WriteField("model", model); err != nil {
			return nil, "", err
		}
	}
	for _, f := range fields {
		if f.entry == nil {
			if err := mw.WriteField(f.name, f.value); err != nil {
				return nil, "", err
			}
			continue
		}
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", mimeFormDataDisposition(f.entry.FieldName, f.entry.DeclaredFilename))
		if f.entry.DeclaredMIME != "" {
			header.Set("Content-Type", f.entry.DeclaredMIME)
		}
		part, err := mw.CreatePart(header)
		if err != nil {
			return nil, "", err
		}
		file, err := os.Open(f.entry.Path)
		if err != nil {
			return nil, "", err
		}
		_, copyErr := io.Copy(part, file)
		_ = file.Close()
		if copyErr != nil {
			return nil, "", copyErr
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return []byte(buf.String()), mw.FormDataContentType(), nil
}

func mimeFormDataDisposition(name, filename string) string {
	return `form-data; name="` + escapeQuotes(name) + `"; filename="` + escapeQuotes(filename) + `"`
}

func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

var audioMIMEAllowlist = map[string]struct{}{
	"audio/wav": {}, "audio/x-wav": {}, "audio/wave": {},
	"audio/mpeg": {}, "audio/mp3": {}, "audio/mp4": {}, "audio/m4a": {},
	"audio/webm": {}, "audio/ogg": {}, "audio/flac": {}, "audio/x-flac": {},
}

func audioMIMEAllowed(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = strings.TrimSpace(mime[:idx])
	}
	_, ok := audioMIMEAllowlist[mime]
	return ok
}

func (h *Handler) acquireUploadSlot(key string) bool {
	v, _ := h.uploadSlots.LoadOrStore(key, new(atomic.Int64))
	counter := v.(*atomic.Int64)
	for {
		cur := counter.Load()
		if cur >= h.maxUploadsPerUser {
			return false
		}
		if counter.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (h *Handler) releaseUploadSlot(key string) {
	if v, ok := h.uploadSlots.Load(key); ok {
		v.(*atomic.Int64).Add(-1)
	}
}

// runBuffered adapts a buffered transport call (JSON or Multipart) into
// a dispatchOutcome.
func (h *Handler) runBuffered(ctx context.Context, call bufferedCaller, endpoint string, body []byte, model, idemKey string) (*dispatchOutcome, error) {
	resp, err := call(ctx, endpoint, h.upstreamHeaders("application/json", idemKey), body, h.retryObserver)
	if err != nil {
		return nil, err
	}
	return &dispatchOutcome{status: resp.Status, headers: resp.Headers, body: resp.Body, model: model}, nil
}

type bufferedCaller func(ctx context.Context, path string, headers http.Header, body []byte, observe transport.RetryObserver) (*transport.BufferedResponse, error)

func (h *Handler) multipartCaller(contentType string) bufferedCaller {
	return func(ctx context.Context, path string, headers http.Header, body []byte, observe transport.RetryObserver) (*transport.BufferedResponse, error) {
		headers.Set("Content-Type", contentType)
		return h.upstream.Multipart(ctx, path, headers, body, observe)
	}
}

// runStreaming forwards the upstream SSE stream to w as it arrives. It
// never returns a transport error once headers have been received —
// write failures (client disconnect) stop forwarding but the upstream
// body keeps draining so the upstream call runs to completion, per the
// client-disconnect cancellation policy.
func (h *Handler) runStreaming(ctx context.Context, w http.ResponseWriter, endpoint string, body []byte, model, idemKey string) (*dispatchOutcome, error) {
	resp, err := h.upstream.Streaming(ctx, endpoint, h.upstreamHeaders("application/json", idemKey), body, h.retryObserver)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	for k, vals := range resp.Headers {
		if skipStreamHeader(k) {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	flusher, _ := w.(http.Flusher)

	parser := newSSEUsageParser()
	buf := make([]byte, 32*1024)
	clientGone := false
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			parser.consume(buf[:n])
			if !clientGone {
				if _, werr := w.Write(buf[:n]); werr != nil {
					clientGone = true
				} else if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if readErr != nil {
			break
		}
	}

	outModel, prompt, completion, total := parser.result()
	if outModel == "" {
		outModel = model
	}
	return &dispatchOutcome{
		status: resp.Status, streamed: true, model: outModel,
		promptTokens: prompt, completionTokens: completion, totalTokens: total,
	}, nil
}

func skipStreamHeader(k string) bool {
	switch strings.ToLower(k) {
	case "content-length", "content-type", "connection", "transfer-encoding":
		return true
	}
	return false
}

func (h *Handler) upstreamHeaders(contentType, idemKey string) http.Header {
	hdr := make(http.Header)
	hdr.Set("Content-Type", contentType)
	if h.upstreamAPIKey != "" {
		hdr.Set("Authorization", "Bearer "+h.upstreamAPIKey)
	}
	if idemKey != "" {
		hdr.Set("Idempotency-Key", idemKey)
	}
	return hdr
}

func (h *Handler) retryObserver(reason string) {
	h.metricsSink.RecordRetry(reason)
}

// finishOutcome writes a buffered response (streaming has already
// written its own), records usage and metrics, and appends the access
// log line, for the success path of either body shape.
func (h *Handler) finishOutcome(w http.ResponseWriter, r *http.Request, principal keystore.Principal, loggedBody any, outcome *dispatchOutcome, start time.Time, endpoint string) {
	if outcome.streamed {
		h.usageSink.Record(usage.Record{
			PrincipalKey: principal.Key, Model: outcome.model, Endpoint: endpoint,
			PromptTokens: outcome.promptTokens, CompletionTokens: outcome.completionTokens, TotalTokens: outcome.totalTokens,
		})
		h.metricsSink.RecordTokens(outcome.model, outcome.promptTokens, outcome.completionTokens)
	} else {
		writeUpstreamBuffered(w, outcome)
		h.recordBufferedUsage(outcome, principal, endpoint)
	}
	h.metricsSink.RecordRequest(endpoint, outcome.model, strconv.Itoa(outcome.status), time.Since(start))
	h.logAccess(r, principal, loggedBody, outcome.status, start)
}

func writeUpstreamBuffered(w http.ResponseWriter, outcome *dispatchOutcome) {
	for k, vals := range outcome.headers {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(outcome.status)
	_, _ = w.Write(outcome.body)
}

func (h *Handler) recordBufferedUsage(outcome *dispatchOutcome, principal keystore.Principal, endpoint string) {
	ct := outcome.headers.Get("Content-Type")
	if !isEligibleForUsageParse(ct) {
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(outcome.body, &payload); err != nil {
		return
	}
	model, prompt, completion, total := extractUsageFromPayload(payload)
	if model == "" {
		model = outcome.model
	}
	h.usageSink.Record(usage.Record{
		PrincipalKey: principal.Key, Model: model, Endpoint: endpoint,
		PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total,
	})
	h.metricsSink.RecordTokens(model, prompt, completion)
}

func isEligibleForUsageParse(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	return strings.HasPrefix(ct, "application/json") || strings.HasPrefix(ct, "text/")
}

func extractUsageFromPayload(payload map[string]any) (model string, prompt, completion, total int) {
	if m, ok := payload["model"].(string); ok {
		model = m
	}
	usageRaw, ok := payload["usage"]
	if !ok {
		return model, 0, 0, 0
	}
	usageMap, ok := usageRaw.(map[string]any)
	if !ok {
		return model, 0, 0, 0
	}
	prompt = intField(usageMap, "prompt_tokens")
	completion = intField(usageMap, "completion_tokens")
	total = intField(usageMap, "total_tokens")
	if total == 0 {
		total = prompt + completion
	}
	return model, prompt, completion, total
}

func modelFromBody(body map[string]any) string {
	m, _ := body["model"].(string)
	return strings.TrimSpace(m)
}

// handleUpstreamError maps a failed scheduled call to a response.
// UpstreamStatusError is passed through to the client verbatim (status,
// headers, body) rather than wrapped, since the spec requires the
// upstream's own status and body to surface unchanged.
func (h *Handler) handleUpstreamError(w http.ResponseWriter, r *http.Request, principal keystore.Principal, loggedBody any, err error, start time.Time, endpoint, model string) {
	var statusErr *transport.UpstreamStatusError
	if errors.As(err, &statusErr) {
		for k, vals := range statusErr.Headers {
			if strings.EqualFold(k, "Content-Length") {
				continue
			}
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(statusErr.Status)
		_, _ = w.Write(statusErr.Body)
		h.metricsSink.RecordError("UpstreamStatusError")
		h.metricsSink.RecordRequest(endpoint, model, strconv.Itoa(statusErr.Status), time.Since(start))
		h.logAccess(r, principal, loggedBody, statusErr.Status, start)
		return
	}
	h.fail(w, r, principal, loggedBody, translateDispatchError(err), start)
}

func translateDispatchError(err error) *taxonomyError {
	var qo *scheduler.ErrQueueOverflow
	if errors.As(err, &qo) {
		return errQueueOverflow()
	}
	if errors.Is(err, scheduler.ErrShutdownInProgress) {
		return errShutdownInProgress()
	}
	var te *transport.UpstreamTransportError
	if errors.As(err, &te) {
		if isTimeoutErr(te.Err) {
			return errUpstreamTimeout()
		}
		return errUpstreamTransport(te.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errUpstreamTimeout()
	}
	return errUpstreamTransport(err.Error())
}

func isTimeoutErr(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, principal keystore.Principal, loggedBody any, te *taxonomyError, start time.Time) {
	h.metricsSink.RecordError(te.Code)
	if te.Code == "QueueOverflow" {
		w.Header().Set("Retry-After", "30")
	}
	writeJSON(w, te.Status, te.body())
	h.metricsSink.RecordRequest(r.URL.Path, modelFromAny(loggedBody), strconv.Itoa(te.Status), time.Since(start))
	h.logAccess(r, principal, loggedBody, te.Status, start)
}

func modelFromAny(body any) string {
	m, ok := body.(map[string]any)
	if !ok {
		return ""
	}
	return modelFromBody(m)
}

func (h *Handler) logAccess(r *http.Request, principal keystore.Principal, body any, status int, start time.Time) {
	if h.accessLog == nil {
		return
	}
	var logged any
	if body != nil {
		logged = redactBody(body)
	}
	h.accessLog.Info("request",
		"name", principal.Name,
		"email", principal.Email,
		"ip", clientIP(r),
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"duration_ms", time.Since(start).Milliseconds(),
		"body", logged,
	)
}

func clientIP(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
