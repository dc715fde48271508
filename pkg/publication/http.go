package publication

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/publisher/pkg/common/logger"
	"github.com/synaptica-ai/publisher/pkg/gateway"
	"github.com/synaptica-ai/publisher/pkg/gateway/middleware"
	"github.com/synaptica-ai/publisher/pkg/permissions"
)

type Handler struct {
	repo        *Repository
	coordinator *Coordinator
	engine      *Engine
	aggregator  *Aggregator
	checker     permissions.Checker
}

// NewHandler wires the publishing API. A nil checker disables project access checks.
func NewHandler(repo *Repository, coordinator *Coordinator, engine *Engine, aggregator *Aggregator, checker permissions.Checker) *Handler {
	return &Handler{
		repo:        repo,
		coordinator: coordinator,
		engine:      engine,
		aggregator:  aggregator,
		checker:     checker,
	}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/publications/{id}", h.handleGetPublication).Methods(http.MethodGet)
	r.HandleFunc("/publications/{id}/publish", h.handlePublishPublication).Methods(http.MethodPost)
	r.HandleFunc("/publications/{id}/reconcile", h.handleReconcile).Methods(http.MethodPost)
	r.HandleFunc("/posts/{id}/publish", h.handlePublishPost).Methods(http.MethodPost)
	r.HandleFunc("/posts/{id}/preview", h.handlePreviewPost).Methods(http.MethodPost)
}

type publishRequest struct {
	Force bool `json:"force"`
}

func (h *Handler) handleGetPublication(w http.ResponseWriter, r *http.Request) {
	pub, err := h.authorizePublication(r.Context(), mux.Vars(r)["id"], true)
	if err != nil {
		writeError(w, err)
		return
	}
	posts, err := h.repo.ListPosts(r.Context(), pub.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"publication": toView(pub, posts)})
}

func (h *Handler) handlePublishPublication(w http.ResponseWriter, r *http.Request) {
	req, err := decodePublish(r)
	if err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	pub, err := h.authorizePublication(r.Context(), mux.Vars(r)["id"], false)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.coordinator.EnqueuePublication(r.Context(), pub.ID, Options{Force: req.Force})
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnqueueResult(w, res)
}

func (h *Handler) handlePublishPost(w http.ResponseWriter, r *http.Request) {
	req, err := decodePublish(r)
	if err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	post, err := h.authorizePost(r.Context(), mux.Vars(r)["id"], false)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.coordinator.EnqueuePost(r.Context(), post.ID, req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnqueueResult(w, res)
}

func (h *Handler) handlePreviewPost(w http.ResponseWriter, r *http.Request) {
	post, err := h.authorizePost(r.Context(), mux.Vars(r)["id"], true)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := h.engine.Preview(r.Context(), post.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	pub, err := h.authorizePublication(r.Context(), mux.Vars(r)["id"], false)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.aggregator.CheckAndUpdatePublicationStatus(r.Context(), pub.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) authorizePublication(ctx context.Context, id string, readOnly bool) (*PublicationModel, error) {
	pub, err := h.repo.GetPublication(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.checker != nil {
		if err := h.checker.CheckProjectAccess(ctx, pub.ProjectID, middleware.UserID(ctx), readOnly); err != nil {
			return nil, err
		}
	}
	return pub, nil
}

func (h *Handler) authorizePost(ctx context.Context, id string, readOnly bool) (*PostModel, error) {
	post, err := h.repo.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := h.authorizePublication(ctx, post.PublicationID, readOnly); err != nil {
		return nil, err
	}
	return post, nil
}

func decodePublish(r *http.Request) (publishRequest, error) {
	var req publishRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if errors.Is(err, io.EOF) {
		return req, nil
	}
	return req, err
}

func writeEnqueueResult(w http.ResponseWriter, res *EnqueueResult) {
	if !res.Success {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case IsValidationError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrPublicationNotFound), errors.Is(err, ErrPostNotFound), errors.Is(err, ErrChannelNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, permissions.ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, gateway.ErrServiceUnavailable):
		logger.Log.WithError(err).Warn("publishing gateway unavailable")
		http.Error(w, "publishing gateway unavailable", http.StatusBadGateway)
	default:
		logger.Log.WithError(err).Error("publication request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
