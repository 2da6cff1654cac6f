package webhook

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/flowdeck/flowdeck/internal/activation"
	"github.com/flowdeck/flowdeck/internal/apperr"
	"github.com/flowdeck/flowdeck/internal/collectionstore"
	"github.com/flowdeck/flowdeck/internal/flowstore"
	"github.com/flowdeck/flowdeck/internal/flowsvc"
	"github.com/flowdeck/flowdeck/internal/runstore"
	"github.com/flowdeck/flowdeck/internal/runsvc"
	"github.com/flowdeck/flowdeck/pkg/types"
)

// registerAPI mounts the bearer-token protected management routes.
func (s *Server) registerAPI(r *mux.Router) {
	r.HandleFunc("/collections", s.handleCreateCollection).Methods(http.MethodPost)
	r.HandleFunc("/collections/{collectionId}", s.handleGetCollection).Methods(http.MethodGet)
	r.HandleFunc("/collections/{collectionId}", s.handleDeleteCollection).Methods(http.MethodDelete)
	r.HandleFunc("/collections/{collectionId}/versions", s.handleCreateCollectionVersion).Methods(http.MethodPost)
	r.HandleFunc("/collections/{collectionId}/flows", s.handleListFlows).Methods(http.MethodGet)
	r.HandleFunc("/collections/{collectionId}/runs", s.handleListRuns).Methods(http.MethodGet)

	r.HandleFunc("/flows", s.handleCreateFlow).Methods(http.MethodPost)
	r.HandleFunc("/flows/{flowId}", s.handleGetFlow).Methods(http.MethodGet)
	r.HandleFunc("/flows/{flowId}", s.handleDeleteFlow).Methods(http.MethodDelete)
	r.HandleFunc("/flows/{flowId}/operations", s.handleFlowOperation).Methods(http.MethodPost)

	r.HandleFunc("/instances", s.handleUpsertInstance).Methods(http.MethodPost)
	r.HandleFunc("/instances/{collectionId}", s.handleGetInstance).Methods(http.MethodGet)

	r.HandleFunc("/runs", s.handleStartRun).Methods(http.MethodPost)
	r.HandleFunc("/runs/{runId}", s.handleGetRun).Methods(http.MethodGet)
}

type createCollectionRequest struct {
	DisplayName string         `json:"display_name"`
	Configs     []types.Config `json:"configs"`
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req createCollectionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	collection, err := s.deps.Collections.CreateCollection(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	version, err := s.deps.Collections.CreateVersion(r.Context(), collection.ID, &collectionstore.CreateVersionRequest{
		DisplayName: req.DisplayName,
		Configs:     req.Configs,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"collection": collection, "version": version})
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	collectionID := mux.Vars(r)["collectionId"]

	collection, err := s.deps.Collections.GetCollection(r.Context(), collectionID)
	if err != nil {
		if errors.Is(err, collectionstore.ErrCollectionNotFound) {
			err = apperr.Wrap(apperr.CodeCollectionNotFound, err, map[string]any{"collection_id": collectionID})
		}
		s.writeError(w, r, err)
		return
	}
	version, err := s.deps.Collections.LatestVersion(r.Context(), collectionID)
	if err != nil && !errors.Is(err, collectionstore.ErrVersionNotFound) {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"collection": collection, "version": version})
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	collectionID := mux.Vars(r)["collectionId"]
	if err := s.deps.Collections.DeleteCollection(r.Context(), collectionID); err != nil {
		if errors.Is(err, collectionstore.ErrCollectionNotFound) {
			err = apperr.Wrap(apperr.CodeCollectionNotFound, err, map[string]any{"collection_id": collectionID})
		}
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateCollectionVersion(w http.ResponseWriter, r *http.Request) {
	collectionID := mux.Vars(r)["collectionId"]
	var req createCollectionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	version, err := s.deps.Collections.CreateVersion(r.Context(), collectionID, &collectionstore.CreateVersionRequest{
		DisplayName: req.DisplayName,
		Configs:     req.Configs,
	})
	if err != nil {
		if errors.Is(err, collectionstore.ErrCollectionNotFound) {
			err = apperr.Wrap(apperr.CodeCollectionNotFound, err, map[string]any{"collection_id": collectionID})
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

type createFlowRequest struct {
	CollectionID string         `json:"collection_id"`
	DisplayName  string         `json:"display_name"`
	Trigger      *types.Trigger `json:"trigger,omitempty"`
}

func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var req createFlowRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	flow, version, err := s.deps.FlowSvc.Create(r.Context(), req.CollectionID, req.DisplayName, req.Trigger)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"flow": flow, "version": version})
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	flowID := mux.Vars(r)["flowId"]

	flow, err := s.deps.Flows.GetFlow(r.Context(), flowID)
	if err != nil {
		if errors.Is(err, flowstore.ErrFlowNotFound) {
			err = apperr.Wrap(apperr.CodeFlowNotFound, err, map[string]any{"flow_id": flowID})
		}
		s.writeError(w, r, err)
		return
	}
	version, err := s.deps.Flows.LatestVersion(r.Context(), flowID)
	if err != nil && !errors.Is(err, flowstore.ErrVersionNotFound) {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"flow": flow, "version": version})
}

func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	flowID := mux.Vars(r)["flowId"]
	if err := s.deps.Flows.DeleteFlow(r.Context(), flowID); err != nil {
		if errors.Is(err, flowstore.ErrFlowNotFound) {
			err = apperr.Wrap(apperr.CodeFlowNotFound, err, map[string]any{"flow_id": flowID})
		}
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	collectionID := mux.Vars(r)["collectionId"]
	flows, err := s.deps.Flows.ListFlows(r.Context(), collectionID, listOptions(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": flows})
}

func (s *Server) handleFlowOperation(w http.ResponseWriter, r *http.Request) {
	flowID := mux.Vars(r)["flowId"]
	var op flowsvc.Operation
	if err := decodeJSON(r, &op); err != nil {
		s.writeError(w, r, err)
		return
	}

	version, err := s.deps.FlowSvc.ApplyOperation(r.Context(), flowID, &op)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *Server) handleUpsertInstance(w http.ResponseWriter, r *http.Request) {
	var req activation.UpsertRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Status == "" {
		req.Status = types.InstanceEnabled
	}

	instance, err := s.deps.Instances.Upsert(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	instance, err := s.deps.Instances.Get(r.Context(), mux.Vars(r)["collectionId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req runsvc.StartRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Environment == "" {
		req.Environment = types.EnvironmentTest
	}

	run, err := s.deps.Runs.Start(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.Get(r.Context(), mux.Vars(r)["runId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	collectionID := mux.Vars(r)["collectionId"]
	opts := &runstore.ListOptions{Limit: 50, Cursor: r.URL.Query().Get("cursor")}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}

	runs, err := s.deps.Runs.List(r.Context(), collectionID, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": runs})
}

func listOptions(r *http.Request) *flowstore.ListOptions {
	opts := &flowstore.ListOptions{Limit: 50, Cursor: r.URL.Query().Get("cursor")}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	return opts
}
