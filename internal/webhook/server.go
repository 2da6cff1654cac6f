// Package webhook exposes the platform's HTTP surface: the per-flow
// webhook endpoint third-party services deliver events to, a bearer
// token protected management API, and health and metrics endpoints.
package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/flowdeck/flowdeck/internal/activation"
	"github.com/flowdeck/flowdeck/internal/apperr"
	"github.com/flowdeck/flowdeck/internal/collectionstore"
	"github.com/flowdeck/flowdeck/internal/flowstore"
	"github.com/flowdeck/flowdeck/internal/flowsvc"
	"github.com/flowdeck/flowdeck/internal/runsvc"
	"github.com/flowdeck/flowdeck/internal/token"
	"github.com/flowdeck/flowdeck/internal/tracing"
	"github.com/flowdeck/flowdeck/pkg/types"
)

// maxPayloadBytes caps one request body.
const maxPayloadBytes = 4 << 20

// Deps bundles the services the HTTP surface fronts.
type Deps struct {
	Flows       flowstore.FlowStore
	Collections collectionstore.CollectionStore
	Runs        *runsvc.Service
	FlowSvc     *flowsvc.Service
	Instances   *activation.Service
	Verifier    *token.Signer

	// Tracer instruments requests when tracing is enabled. A nil
	// Tracer is a passthrough.
	Tracer *tracing.Tracer
}

// Server handles webhook deliveries and management calls.
type Server struct {
	deps    Deps
	logger  *slog.Logger
	limiter *rate.Limiter
}

// NewServer creates the HTTP server.
func NewServer(deps Deps, rps float64, burst int, logger *slog.Logger) *Server {
	return &Server{
		deps:    deps,
		logger:  logger.With("component", "http"),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Router builds the HTTP routing table with the middleware chain.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(recoveryMiddleware(s.logger))
	r.Use(s.deps.Tracer.Middleware("orchestrator"))
	r.Use(requestLogMiddleware(s.logger))

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleHealth).Methods(http.MethodGet)

	hooks := r.PathPrefix("/v1/webhooks").Subrouter()
	hooks.Use(rateLimitMiddleware(s.limiter))
	hooks.HandleFunc("/{flowId}", s.handleWebhook).Methods(http.MethodPost)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(authMiddleware(s.deps.Verifier, s.logger))
	s.registerAPI(api)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook starts a production run of the flow version the live
// instance pins. Deliveries for flows without an enabled instance are
// rejected.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	flowID := mux.Vars(r)["flowId"]

	flow, err := s.deps.Flows.GetFlow(r.Context(), flowID)
	if err != nil {
		if errors.Is(err, flowstore.ErrFlowNotFound) {
			err = apperr.Wrap(apperr.CodeFlowNotFound, err, map[string]any{"flow_id": flowID})
		}
		s.writeError(w, r, err)
		return
	}

	instance, err := s.deps.Collections.GetInstance(r.Context(), flow.CollectionID)
	if err != nil {
		if errors.Is(err, collectionstore.ErrInstanceNotFound) {
			err = apperr.Wrap(apperr.CodeInstanceNotFound, err, map[string]any{"collection_id": flow.CollectionID})
		}
		s.writeError(w, r, err)
		return
	}

	pinned, ok := instance.FlowVersionIDs[flowID]
	if instance.Status != types.InstanceEnabled || !ok {
		s.writeError(w, r, apperr.New(apperr.CodeInstanceNotFound,
			"no enabled instance pins this flow",
			map[string]any{"flow_id": flowID}))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	run, err := s.deps.Runs.Start(r.Context(), &runsvc.StartRequest{
		CollectionVersionID: instance.CollectionVersionID,
		FlowVersionID:       pinned,
		Environment:         types.EnvironmentProduction,
		Payload:             payload,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}

	body := map[string]any{"code": string(apperr.CodeOf(err)), "message": err.Error()}
	var ae *apperr.Error
	if errors.As(err, &ae) && len(ae.Params) > 0 {
		body["params"] = ae.Params
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, dst any) error {
	body := io.LimitReader(r.Body, maxPayloadBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
