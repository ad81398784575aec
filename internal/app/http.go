package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/happy-geeks/wiser-sub008/internal/metrics"
	"github.com/happy-geeks/wiser-sub008/internal/search"
	"github.com/happy-geeks/wiser-sub008/internal/store"
	"github.com/happy-geeks/wiser-sub008/internal/versioncontrol"
)

type ServerOptions struct {
	CORSOrigin string
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        zerolog.Logger
	metrics    *metrics.Metrics
	router     *mux.Router
}

func NewHTTPServer(service *Service, opts ServerOptions) *HTTPServer {
	s := &HTTPServer{
		service:    service,
		corsOrigin: opts.CORSOrigin,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		router:     mux.NewRouter(),
	}
	if s.corsOrigin == "" {
		s.corsOrigin = "*"
	}
	s.routes(opts.Gatherer)
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.router)
}

func (s *HTTPServer) routes(gatherer prometheus.Gatherer) {
	r := s.router
	r.Use(s.observeRoute)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	entity := r.PathPrefix("/api/entities/{kind}/{id:[0-9]+}").Subrouter()
	entity.HandleFunc("/versions", s.authed(s.handleCreateVersion)).Methods(http.MethodPost)
	entity.HandleFunc("/versions", s.authed(s.handleListVersions)).Methods(http.MethodGet)
	entity.HandleFunc("/versions/latest", s.authed(s.handleLatestVersion)).Methods(http.MethodGet)
	entity.HandleFunc("/versions/{version:[0-9]+}", s.authed(s.handleGetVersion)).Methods(http.MethodGet)
	entity.HandleFunc("/versions/{version:[0-9]+}/promote", s.authed(s.handlePromote)).Methods(http.MethodPost)
	entity.HandleFunc("/environments", s.authed(s.handleEnvironments)).Methods(http.MethodGet)
	entity.HandleFunc("/history", s.authed(s.handleHistory)).Methods(http.MethodGet)

	r.HandleFunc("/api/commits", s.authed(s.handleCreateCommit)).Methods(http.MethodPost)
	r.HandleFunc("/api/commits", s.authed(s.handleListCommits)).Methods(http.MethodGet)
	r.HandleFunc("/api/commits/search", s.authed(s.handleSearchCommits)).Methods(http.MethodGet)
	r.HandleFunc("/api/commits/deploy", s.authed(s.handleDeployCommits)).Methods(http.MethodPost)
	r.HandleFunc("/api/commits/{id:[0-9]+}", s.authed(s.handleGetCommit)).Methods(http.MethodGet)
	r.HandleFunc("/api/commits/{id:[0-9]+}/items", s.authed(s.handleCommitItems)).Methods(http.MethodGet)
	r.HandleFunc("/api/commits/{id:[0-9]+}/reviews", s.authed(s.handleRequestReview)).Methods(http.MethodPost)
	r.HandleFunc("/api/commits/{id:[0-9]+}/reviews", s.authed(s.handleListReviews)).Methods(http.MethodGet)

	r.HandleFunc("/api/reviews/{id:[0-9]+}", s.authed(s.handleGetReview)).Methods(http.MethodGet)
	r.HandleFunc("/api/reviews/{id:[0-9]+}/decision", s.authed(s.handleDecision)).Methods(http.MethodPost)
	r.HandleFunc("/api/reviews/{id:[0-9]+}/comments", s.authed(s.handleAddComment)).Methods(http.MethodPost)

	r.HandleFunc("/api/branches", s.authed(s.handleListBranches)).Methods(http.MethodGet)
	r.HandleFunc("/api/branches/{branch}/deploy", s.authed(s.handleBranchDeploy)).Methods(http.MethodPost)
	r.HandleFunc("/api/branches/{branch}/history", s.authed(s.handleBranchHistory)).Methods(http.MethodGet)
	r.HandleFunc("/api/branches/{branch}/entities/{kind}/{id:[0-9]+}/versions", s.authed(s.handleBranchVersions)).Methods(http.MethodGet)
}

type identityHandler func(w http.ResponseWriter, r *http.Request, actor versioncontrol.Identity)

// authed resolves the caller before running next.
func (s *HTTPServer) authed(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.service.Identity(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		next(w, r, actor)
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ok, checks := s.service.Ready(r.Context())
	status, statusCode := "ready", http.StatusOK
	if !ok {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ok,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleCreateVersion(w http.ResponseWriter, r *http.Request, actor versioncontrol.Identity) {
	ref, ok := entityRef(w, r)
	if !ok {
		return
	}
	var body struct {
		Payload string `json:"payload"`
	}
	if !readBody(w, r, &body) {
		return
	}
	v, err := s.service.versions.CreateVersion(r.Context(), ref, body.Payload, actor)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request, _ versioncontrol.Identity) {
	ref, ok := entityRef(w, r)
	if !ok {
		return
	}
	items, err := s.service.versions.ListVersions(r.Context(), ref)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleLatestVersion(w http.ResponseWriter, r *http.Request, _ versioncontrol.Identity) {
	ref, ok := entityRef(w, r)
	if !ok {
		return
	}
	v, err := s.service.versions.GetLatest(r.Context(), ref)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *HTTPServer) handleGetVersion(w http.ResponseWriter, r *http.Request, _ versioncontrol.Identity) {
	ref, ok := entityRef(w, r)
	if !ok {
		return
	}
	version, ok := pathInt(w, r, "version")
	if !ok {
		return
	}
	v, err := s.service.versions.GetVersion(r.Context(), ref, int(version))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *HTTPServer) handlePromote(w http.ResponseWriter, r *http.Request, actor versioncontrol.Identity) {
	ref, ok := entityRef(w, r)
	if !ok {
		return
	}
	version, ok := pathInt(w, r, "version")
	if !ok {
		return
	}
	var body struct {
		Environment string `json:"environment"`
	}
	if !readBody(w, r, &body) {
		return
	}
	env, err := versioncontrol.ParseEnvironment(body.Environment)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	entry, err := s.service.versions.PromoteVersion(r.Context(), ref, int(version), env, actor)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"log": entry, "environments": environmentView(entry)})
}

func environmentView(entry store.PublishLogEntry) map[string]int {
	return map[string]int{
		versioncontrol.EnvironmentTest.String():       entry.NewTest,
		versioncontrol.EnvironmentAcceptance.String(): entry.NewAcceptance,
		versioncontrol.EnvironmentLive.String():       entry.NewLive,
	}
}

func (s *HTTPServer) handleEnvironments(w http.ResponseWriter, r *http.Request, _ versioncontrol.Identity) {
	ref, ok := entityRef(w, r)
	if !ok {
		return
	}
	m, err := s.service.versions.Environments(r.Context(), ref)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	view := map[string]int{}
	for _, env := range versioncontrol.Environments {
		view[env.String()] = m.Get(env)
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, _ versioncontrol.Identity) {
	ref, ok := entityRef(w, r)
	if !ok {
		return
	}
	items, err := s.service.versions.History(r.Context(), ref, queryInt(r, "limit", 50))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleCreateCommit(w http.ResponseWriter, r *http.Request, actor versioncontrol.Identity) {
	var body struct {
		Description string             `json:"description"`
		ExternalID  string             `json:"externalId"`
		Items       []store.CommitItem `json:"items"`
	}
	if !readBody(w, r, &body) {
		return
	}
	commit, err := s.service.versions.CreateCommit(r.Context(), versioncontrol.CommitInput{
		Description: body.Description,
		ExternalID:  body.ExternalID,
		Items:       body.Items,
	}, actor)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, commit)
}

func (s *HTTPServer) handleListCommits(w http.ResponseWriter, r *http.Request, _ versioncontrol.Identity) {
	items, err := s.service.versions.ListCommits(r.Context(), versioncontrol.ListCommitsFilter{
		IncludeCompleted: queryBool(r, "includeCompleted"),
		Limit:            queryInt(r, "limit", 100),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleSearchCommits(w http.ResponseWriter, r *http.Request, _ versioncontrol.Identity) {
	resp := s.service.SearchCommits(r.Context(), search.Query{
		Text:   r.URL.Query().Get("q"),
		Limit:  queryInt(r, "limit", 20),
		Offset: queryInt(r, "offset", 0),
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetCommit(w http.ResponseWriter, r *http.Request, _ versioncontrol.Identity) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	status, err := s.service.versions.GetCommitStatus(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) handleCommitItems(w http.ResponseWriter, r *http.Request, _ versioncontrol.Identity) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	items, err := s.service.versions.CommitItems(r.Context(), id, store.Kind(r.URL.Query().Get("kind")))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleDeployCommits(w http.ResponseWriter, r *http.Request, actor versioncontrol.Identity) {
	var body struct {
		CommitIDs   []int64 `json:"commitIds"`
		Environment string  `json:"environment"`
	}
	if !readBody(w, r, &body) {
		return
	}
	env, err := versioncontrol.ParseEnvironment(body.Environment)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	report, err := s.service.versions.DeployCommits(r.Context(), body.CommitIDs, env, actor)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleRequestReview(w http.ResponseWriter, r *http.Request, actor versioncontrol.Identity) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		RequestedUsers []store.ReviewUser `json:"requestedUsers"`
		Message        string             `json:"message"`
	}
	if !readBody(w, r, &body) {
		return
	}
	review, err := s.service.versions.RequestReview(r.Context(), id, actor, body.RequestedUsers, body.Message)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, review)
}

func (s *HTTPServer) handleListReviews(w http.ResponseWriter, r *http.Request, _ versioncontrol.Identity) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	items, err := s.service.versions.ListReviews(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleGetReview(w http.ResponseWriter, r *http.Request, _ versioncontrol.Identity) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	review, err := s.service.versions.GetReview(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, review)
}

func (s *HTTPServer) handleDecision(w http.ResponseWriter, r *http.Request, actor versioncontrol.Identity) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Status string `json:"status"`
		Note   string `json:"note"`
	}
	if !readBody(w, r, &body) {
		return
	}
	decision := store.ReviewStatus(strings.ToLower(strings.TrimSpace(body.Status)))
	review, err := s.service.versions.SubmitDecision(r.Context(), id, actor, decision, body.Note)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, review)
}

func (s *HTTPServer) handleAddComment(w http.ResponseWriter, r *http.Request, actor versioncontrol.Identity) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if !readBody(w, r, &body) {
		return
	}
	comment, err := s.service.versions.AddComment(r.Context(), id, actor, body.Text)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *HTTPServer) handleListBranches(w http.ResponseWriter, r *http.Request, _ versioncontrol.Identity) {
	names, err := s.service.versions.ListBranches(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": names})
}

func (s *HTTPServer) handleBranchDeploy(w http.ResponseWriter, r *http.Request, actor versioncontrol.Identity) {
	branch := mux.Vars(r)["branch"]
	var body struct {
		Entities  []store.EntityRef `json:"entities"`
		CommitIDs []int64           `json:"commitIds"`
	}
	if !readBody(w, r, &body) {
		return
	}
	if len(body.Entities) > 0 && len(body.CommitIDs) > 0 {
		s.writeServiceError(w, r, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "send either entities or commitIds", nil))
		return
	}

	var (
		report versioncontrol.BranchDeployReport
		err    error
	)
	if len(body.CommitIDs) > 0 {
		report, err = s.service.versions.DeployCommitsToBranch(r.Context(), body.CommitIDs, branch, actor)
	} else {
		report, err = s.service.versions.DeployToBranch(r.Context(), body.Entities, branch, actor)
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleBranchHistory(w http.ResponseWriter, r *http.Request, _ versioncontrol.Identity) {
	items, err := s.service.versions.BranchHistory(r.Context(), mux.Vars(r)["branch"], queryInt(r, "limit", 50))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleBranchVersions(w http.ResponseWriter, r *http.Request, _ versioncontrol.Identity) {
	ref, ok := entityRef(w, r)
	if !ok {
		return
	}
	items, err := s.service.versions.ListBranchVersions(r.Context(), mux.Vars(r)["branch"], ref)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("request_id", requestID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

// observeRoute records metrics under the route template, keeping label
// cardinality bounded.
func (s *HTTPServer) observeRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)
		s.metrics.ObserveHTTPRequest(route, r.Method, writer.status, time.Since(started))
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func readBody(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func pathInt(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	value, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || value <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be a positive integer", nil)
		return 0, false
	}
	return value, true
}

func entityRef(w http.ResponseWriter, r *http.Request) (store.EntityRef, bool) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return store.EntityRef{}, false
	}
	return store.EntityRef{Kind: store.Kind(mux.Vars(r)["kind"]), EntityID: id}, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	value, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return fallback
	}
	return value
}

func queryBool(r *http.Request, name string) bool {
	value, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && value
}
