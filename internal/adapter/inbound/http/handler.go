package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/toolgate-io/toolgate/internal/domain/auth"
	"github.com/toolgate-io/toolgate/internal/domain/execution"
	"github.com/toolgate-io/toolgate/internal/port/inbound"
)

// maxExecuteBodySize caps the execute request body.
const maxExecuteBodySize = 1 << 20

// Handler serves the gateway API: tool listing, tool execution, and
// the admin cache-bust hook.
type Handler struct {
	resolver     inbound.AccessResolver
	executor     inbound.ToolExecutor
	metrics      *Metrics
	adminKeyHash string
}

// NewHandler wires the API handler to the resolver and executor.
func NewHandler(resolver inbound.AccessResolver, executor inbound.ToolExecutor, metrics *Metrics, adminKeyHash string) *Handler {
	return &Handler{
		resolver:     resolver,
		executor:     executor,
		metrics:      metrics,
		adminKeyHash: adminKeyHash,
	}
}

// Register attaches the API routes to the mux. Claims-guarded routes
// must already sit behind ClaimsMiddleware.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/tools", h.listTools)
	mux.HandleFunc("POST /v1/tools/{name}/execute", h.executeTool)
	mux.HandleFunc("POST /admin/cache/bust", h.bustCache)
}

// listToolsResponse is the body of GET /v1/tools.
type listToolsResponse struct {
	Tools []any `json:"tools"`
}

func (h *Handler) listTools(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing caller claims", false)
		return
	}

	tools, err := h.resolver.ResolveTools(r.Context(), claims)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := listToolsResponse{Tools: make([]any, 0, len(tools))}
	for _, t := range tools {
		resp.Tools = append(resp.Tools, t)
	}
	writeJSON(w, http.StatusOK, resp)
}

// executeRequest is the body of POST /v1/tools/{name}/execute.
type executeRequest struct {
	Arguments map[string]any `json:"arguments"`
}

// executeResponse is the success body of an execute call.
type executeResponse struct {
	ExecutionID    string          `json:"execution_id"`
	ToolID         string          `json:"tool_id"`
	Status         string          `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	UpstreamStatus int             `json:"upstream_status,omitempty"`
	PollAttempts   int             `json:"poll_attempts,omitempty"`
	DurationMS     int64           `json:"duration_ms"`
}

func (h *Handler) executeTool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing caller claims", false)
		return
	}
	subjectToken, _ := SubjectTokenFromContext(ctx)

	var req executeRequest
	body := http.MaxBytesReader(w, r.Body, maxExecuteBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body", false)
		return
	}

	toolName := r.PathValue("name")
	def, err := h.resolver.Authorize(ctx, claims, toolName)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.executor.Execute(ctx, def, req.Arguments, claims, subjectToken)
	if err != nil {
		h.metrics.ExecutionsTotal.WithLabelValues(string(def.Profile.Mode), "error").Inc()
		h.writeError(w, r, err)
		return
	}

	h.metrics.ExecutionsTotal.WithLabelValues(string(def.Profile.Mode), string(result.Status)).Inc()
	if result.PollAttempts > 0 {
		h.metrics.PollAttempts.Observe(float64(result.PollAttempts))
	}

	writeJSON(w, http.StatusOK, executeResponse{
		ExecutionID:    result.ExecutionID,
		ToolID:         result.ToolID,
		Status:         string(result.Status),
		Result:         result.Result,
		UpstreamStatus: result.UpstreamStatus,
		PollAttempts:   result.PollAttempts,
		DurationMS:     result.Duration.Milliseconds(),
	})
}

func (h *Handler) bustCache(w http.ResponseWriter, r *http.Request) {
	if h.adminKeyHash == "" {
		writeJSONError(w, http.StatusNotFound, "admin API not configured", false)
		return
	}

	match, err := auth.VerifyKey(r.Header.Get("X-Admin-Key"), h.adminKeyHash)
	if err != nil || !match {
		writeJSONError(w, http.StatusForbidden, "invalid admin key", false)
		return
	}

	if err := h.resolver.Refresh(r.Context()); err != nil {
		LoggerFromContext(r.Context()).Error("snapshot refresh failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "refresh failed", true)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// errorResponse is the JSON error body.
type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// writeError maps execution errors to HTTP statuses. Token values and
// upstream bodies never leak into the error text.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := LoggerFromContext(r.Context())

	var (
		validationErr *execution.ValidationError
		notPermitted  *execution.NotPermittedError
		circuitOpen   *execution.CircuitOpenError
		deadline      *execution.DeadlineExceededError
		pollTimeout   *execution.PollTimeoutError
	)

	switch {
	case errors.As(err, &validationErr):
		writeJSONError(w, http.StatusBadRequest, validationErr.Error(), false)
	case errors.As(err, &notPermitted):
		writeJSONError(w, http.StatusNotFound, notPermitted.Error(), false)
	case errors.As(err, &circuitOpen):
		w.Header().Set("Retry-After", strconv.Itoa(int(circuitOpen.RetryAfter/time.Second)+1))
		writeJSONError(w, http.StatusServiceUnavailable, circuitOpen.Error(), true)
	case errors.As(err, &deadline), errors.As(err, &pollTimeout):
		writeJSONError(w, http.StatusGatewayTimeout, err.Error(), true)
	case isUpstreamError(err):
		writeJSONError(w, http.StatusBadGateway, err.Error(), execution.Retryable(err))
	default:
		logger.Error("request failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error", false)
	}
}

func isUpstreamError(err error) bool {
	var (
		exchange *execution.TokenExchangeError
		status   *execution.UpstreamStatusError
		timeout  *execution.UpstreamTimeoutError
		conn     *execution.UpstreamConnectionError
	)
	return errors.As(err, &exchange) || errors.As(err, &status) ||
		errors.As(err, &timeout) || errors.As(err, &conn)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string, retryable bool) {
	writeJSON(w, status, errorResponse{Error: msg, Retryable: retryable})
}
