package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"

	"github.com/merfy/sitehost/internal/domain"
	"github.com/merfy/sitehost/internal/service/events"
	"github.com/merfy/sitehost/internal/service/notify"
	"github.com/merfy/sitehost/internal/service/orchestrator"
	"github.com/merfy/sitehost/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	orch      orchestrator.Service
	notify    notify.Service
	events    events.Service
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	jwtSecret string
	dbHealth  func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	publishTotal       *prometheus.CounterVec
	buildTotal         *prometheus.CounterVec
}

const (
	rateWindowDefault   = time.Minute
	rateWindowRealtime  = 30 * time.Second
	rateLimitWrite      = 60
	rateLimitRead       = 120
	rateLimitPublish    = 20
	rateLimitWebsocket  = 30
	rateLimitNotify     = 600
	defaultListLimit    = 50
	healthCheckTimeout  = 2 * time.Second
	notifySignatureHead = "X-Notify-Signature"
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, orch orchestrator.Service, notifySvc notify.Service, eventSvc events.Service, limiter RateLimiter, jwtSecret string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		orch:   orch,
		notify: notifySvc,
		events: eventSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		jwtSecret: jwtSecret,
		dbHealth:  dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/sites", r.audit(r.handlerAuthRate("/sites", rateLimitWrite, rateWindowDefault, r.handleSites)))
	r.mux.HandleFunc("/sites/", r.audit(r.handleSiteSubroutes))
	r.mux.HandleFunc("/notify/product-change", r.audit(r.withRateLimit("/notify/product-change", rateLimitNotify, rateWindowDefault, rateLimitKeyIP, r.handleProductChange)))
	r.mux.HandleFunc("/ws/events", r.audit(r.handlerAuthRate("/ws/events", rateLimitWebsocket, rateWindowRealtime, r.handleEventsWS)))
}

func (r *Router) handleSites(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.authContextMissing(w, req)
		return
	}
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	payload.Name = strings.TrimSpace(payload.Name)
	if payload.Name == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "name is required")
		return
	}
	site, err := r.orch.CreateSite(req.Context(), info.TenantID, payload.Name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, siteResponse(site))
}

// handleSiteSubroutes dispatches /sites/{id} and /sites/{id}/{action}.
func (r *Router) handleSiteSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/sites/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	siteID := parts[0]

	route := func(label string, limit int, handler func(http.ResponseWriter, *http.Request, string)) {
		r.handlerAuthRate(label, limit, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			handler(w, req, siteID)
		})(w, req)
	}

	switch {
	case len(parts) == 1:
		route("/sites/{id}", rateLimitRead, r.handleGetSite)
	case len(parts) == 2 && parts[1] == "revisions":
		route("/sites/{id}/revisions", rateLimitWrite, r.handleRevisions)
	case len(parts) == 2 && parts[1] == "build":
		route("/sites/{id}/build", rateLimitPublish, r.handleBuild)
	case len(parts) == 2 && parts[1] == "publish":
		route("/sites/{id}/publish", rateLimitPublish, r.handlePublish)
	case len(parts) == 2 && parts[1] == "freeze":
		route("/sites/{id}/freeze", rateLimitWrite, r.handleFreeze)
	case len(parts) == 2 && parts[1] == "unfreeze":
		route("/sites/{id}/unfreeze", rateLimitWrite, r.handleUnfreeze)
	case len(parts) == 2 && parts[1] == "archive":
		route("/sites/{id}/archive", rateLimitWrite, r.handleArchive)
	case len(parts) == 2 && parts[1] == "builds":
		route("/sites/{id}/builds", rateLimitRead, r.handleListBuilds)
	case len(parts) == 2 && parts[1] == "deployments":
		route("/sites/{id}/deployments", rateLimitRead, r.handleListDeployments)
	case len(parts) == 2 && parts[1] == "domains":
		route("/sites/{id}/domains", rateLimitWrite, r.handleDomains)
	case len(parts) == 3 && parts[1] == "domains" && parts[2] == "verify":
		route("/sites/{id}/domains/verify", rateLimitWrite, r.handleVerifyDomain)
	case len(parts) == 2 && parts[1] == "notify-secret":
		route("/sites/{id}/notify-secret", rateLimitWrite, r.handleNotifySecret)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleGetSite(w http.ResponseWriter, req *http.Request, siteID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	site, err := r.orch.GetSite(req.Context(), info.TenantID, siteID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, siteResponse(site))
}

func (r *Router) handleRevisions(w http.ResponseWriter, req *http.Request, siteID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	var payload struct {
		Content json.RawMessage `json:"content"`
		Meta    json.RawMessage `json:"meta"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	if len(payload.Content) == 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "content is required")
		return
	}
	rev, err := r.orch.SaveRevision(req.Context(), info.TenantID, siteID, payload.Content, payload.Meta)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         rev.ID,
		"site_id":    rev.SiteID,
		"created_at": rev.CreatedAt,
	})
}

func (r *Router) handleBuild(w http.ResponseWriter, req *http.Request, siteID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	b, err := r.orch.RequestBuild(req.Context(), info.TenantID, siteID)
	if err != nil {
		r.recordBuild("failed")
		writeDomainError(w, err)
		return
	}
	r.recordBuild(string(b.Status))
	writeJSON(w, http.StatusAccepted, buildResponse(*b))
}

func (r *Router) handlePublish(w http.ResponseWriter, req *http.Request, siteID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	result, err := r.orch.Publish(req.Context(), info.TenantID, siteID)
	if err != nil {
		r.recordPublish("failed")
		writeDomainError(w, err)
		return
	}
	outcome := "deployed"
	status := http.StatusOK
	if result.InFlight {
		outcome = "in_flight"
		status = http.StatusAccepted
	}
	r.recordPublish(outcome)
	writeJSON(w, status, map[string]any{
		"url":           result.URL,
		"build_id":      result.BuildID,
		"deployment_id": result.DeploymentID,
		"artifact_url":  result.ArtifactURL,
		"in_flight":     result.InFlight,
	})
}

func (r *Router) handleFreeze(w http.ResponseWriter, req *http.Request, siteID string) {
	r.handleTransition(w, req, siteID, r.orch.Freeze, domain.SiteFrozen)
}

func (r *Router) handleUnfreeze(w http.ResponseWriter, req *http.Request, siteID string) {
	r.handleTransition(w, req, siteID, r.orch.Unfreeze, domain.SitePublished)
}

func (r *Router) handleArchive(w http.ResponseWriter, req *http.Request, siteID string) {
	r.handleTransition(w, req, siteID, r.orch.Archive, domain.SiteArchived)
}

func (r *Router) handleTransition(w http.ResponseWriter, req *http.Request, siteID string, op func(context.Context, string, string) error, to domain.SiteStatus) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	if err := op(req.Context(), info.TenantID, siteID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(to)})
}

func (r *Router) handleListBuilds(w http.ResponseWriter, req *http.Request, siteID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	limit := listLimit(req)
	builds, err := r.orch.ListBuilds(req.Context(), info.TenantID, siteID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(builds, func(b domain.Build, _ int) map[string]any {
		return buildResponse(b)
	}))
}

func (r *Router) handleListDeployments(w http.ResponseWriter, req *http.Request, siteID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	limit := listLimit(req)
	deployments, err := r.orch.ListDeployments(req.Context(), info.TenantID, siteID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(deployments, func(d domain.Deployment, _ int) map[string]any {
		return deploymentResponse(d)
	}))
}

func (r *Router) handleDomains(w http.ResponseWriter, req *http.Request, siteID string) {
	info, _ := authInfoFromContext(req.Context())
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Domain string `json:"domain"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
			return
		}
		result, err := r.orch.AttachDomain(req.Context(), info.TenantID, siteID, payload.Domain)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"domain":    domainResponse(*result.Domain),
			"challenge": result.Challenge,
		})
	case http.MethodGet:
		domains, err := r.orch.ListDomains(req.Context(), info.TenantID, siteID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, lo.Map(domains, func(d domain.CustomDomain, _ int) map[string]any {
			return domainResponse(d)
		}))
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleVerifyDomain(w http.ResponseWriter, req *http.Request, siteID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	d, err := r.orch.VerifyDomain(req.Context(), info.TenantID, siteID)
	if err != nil {
		// Pending and expired verifications still carry the domain state.
		if d != nil && (domain.IsCode(err, domain.CodeVerificationPending) || domain.IsCode(err, domain.CodeVerificationExpired)) {
			code := domain.CodeOf(err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(statusForCode(code))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": false,
				"error":   map[string]string{"code": string(code), "message": err.Error()},
				"data":    domainResponse(*d),
			})
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domainResponse(*d))
}

func (r *Router) handleNotifySecret(w http.ResponseWriter, req *http.Request, siteID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	// Ownership check before touching the secret store.
	if _, err := r.orch.GetSite(req.Context(), info.TenantID, siteID); err != nil {
		writeDomainError(w, err)
		return
	}
	var payload struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	if err := r.notify.UpsertSecret(req.Context(), siteID, payload.Secret); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
}

func (r *Router) handleProductChange(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "could not read body")
		return
	}
	var change notify.ProductChange
	if err := json.Unmarshal(body, &change); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	if change.SiteID == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "site_id is required")
		return
	}
	signature := req.Header.Get(notifySignatureHead)
	if err := r.notify.CheckSignature(req.Context(), change.SiteID, body, signature); err != nil {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, err.Error())
		return
	}
	result, err := r.notify.HandleProductChange(req.Context(), change)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.authContextMissing(w, req)
		return
	}
	siteID := req.URL.Query().Get("site_id")
	if siteID == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "site_id query parameter required")
		return
	}
	// Tenant scoping applies to the stream too.
	if _, err := r.orch.GetSite(req.Context(), info.TenantID, siteID); err != nil {
		writeDomainError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.events.Hub().Register(siteID, client)
	go func() {
		defer func() {
			r.events.Hub().Unregister(siteID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func siteResponse(s *domain.Site) map[string]any {
	return map[string]any{
		"id":                    s.ID,
		"tenant_id":             s.TenantID,
		"name":                  s.Name,
		"status":                s.Status,
		"current_revision_id":   s.CurrentRevisionID,
		"current_build_id":      s.CurrentBuildID,
		"current_deployment_id": s.CurrentDeploymentID,
		"frozen_at":             s.FrozenAt,
		"archived_at":           s.ArchivedAt,
		"created_at":            s.CreatedAt,
		"updated_at":            s.UpdatedAt,
	}
}

func buildResponse(b domain.Build) map[string]any {
	return map[string]any{
		"id":              b.ID,
		"site_id":         b.SiteID,
		"revision_id":     b.RevisionID,
		"status":          b.Status,
		"artifact_bucket": b.ArtifactBucket,
		"artifact_prefix": b.ArtifactPrefix,
		"log_url":         b.LogURL,
		"error":           b.Error,
		"created_at":      b.CreatedAt,
		"completed_at":    b.CompletedAt,
	}
}

func deploymentResponse(d domain.Deployment) map[string]any {
	return map[string]any{
		"id":         d.ID,
		"site_id":    d.SiteID,
		"build_id":   d.BuildID,
		"status":     d.Status,
		"url":        d.URL,
		"error":      d.Error,
		"created_at": d.CreatedAt,
		"updated_at": d.UpdatedAt,
	}
}

func domainResponse(d domain.CustomDomain) map[string]any {
	return map[string]any{
		"id":                d.ID,
		"site_id":           d.SiteID,
		"domain":            d.Domain,
		"status":            d.Status,
		"verification_type": d.VerificationType,
		"attempts":          d.Attempts,
		"verified_at":       d.VerifiedAt,
		"created_at":        d.CreatedAt,
	}
}

func listLimit(req *http.Request) int {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		return defaultListLimit
	}
	return limit
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, req.URL.Path, status, duration)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "tenant"
			fields = append(fields, "tenant_id", info.TenantID)
			if info.ActorUserID != "" {
				fields = append(fields, "actor_user_id", info.ActorUserID)
			}
		} else if strings.HasPrefix(req.URL.Path, "/notify/") {
			actor = "catalog"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) authContextMissing(w http.ResponseWriter, req *http.Request) {
	r.logger.Error("auth context missing", "path", req.URL.Path)
	writeError(w, http.StatusInternalServerError, domain.CodeInternal, "authorization context missing")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, codeBadRequest, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, domain.CodeNotFound, "not found")
}
