package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	apperrors "github.com/bhyvex/metis/internal/errors"
	"github.com/bhyvex/metis/internal/frontend/middleware"
	"github.com/bhyvex/metis/internal/model"
)

const (
	defaultScanLimit = 100
	maxScanLimit     = 1000
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// AddLevelRequest is the body of POST /v1/levels
type AddLevelRequest struct {
	Level    uint32 `json:"level"`
	SubLevel uint32 `json:"sub_level"`
}

// PutItemRequest is the body of POST /v1/items/...
type PutItemRequest struct {
	Size uint64 `json:"size"`
}

// ReserveCopyRequest is the body of POST /v1/ranges/{range_id}/copies
type ReserveCopyRequest struct {
	Size    uint64   `json:"size"`
	Current []uint32 `json:"current"`
}

// SetStatusRequest is the body of PUT /v1/storage-nodes/{node_id}/status
type SetStatusRequest struct {
	Status string `json:"status"`
}

// Handlers holds the HTTP handlers of the JSON API.
type Handlers struct {
	manager Manager
	logger  *zap.Logger
}

// NewHandlers creates the API handlers
func NewHandlers(mgr Manager, logger *zap.Logger) *Handlers {
	return &Handlers{manager: mgr, logger: logger}
}

// ListLevels handles GET /v1/levels
func (h *Handlers) ListLevels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Index().Levels())
}

// AddLevel handles POST /v1/levels
func (h *Handlers) AddLevel(w http.ResponseWriter, r *http.Request) {
	var req AddLevelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	level, err := h.manager.AddLevel(r.Context(), req.Level, req.SubLevel)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, level)
}

// LocateItem handles GET /v1/items/{level}/{sub_level}/{id}
func (h *Handlers) LocateItem(w http.ResponseWriter, r *http.Request) {
	item, err := itemKey(mux.Vars(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	loc, err := h.manager.FindAndFill(r.Context(), item)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// PutItem handles POST /v1/items/{level}/{sub_level}/{id}
func (h *Handlers) PutItem(w http.ResponseWriter, r *http.Request) {
	item, err := itemKey(mux.Vars(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req PutItemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.manager.PutItem(r.Context(), item, req.Size)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListRanges handles GET /v1/ranges?after=&limit=
func (h *Handlers) ListRanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var after uint64
	if v := q.Get("after"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			h.writeError(w, r, apperrors.InvalidArgument("invalid after", err))
			return
		}
		after = parsed
	}
	limit := defaultScanLimit
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			h.writeError(w, r, apperrors.InvalidArgument("invalid limit", err))
			return
		}
		limit = parsed
	}
	if limit > maxScanLimit {
		limit = maxScanLimit
	}
	writeJSON(w, http.StatusOK, h.manager.Index().Scan(model.RangeID(after), limit))
}

// GetRange handles GET /v1/ranges/{range_id}
func (h *Handlers) GetRange(w http.ResponseWriter, r *http.Request) {
	id, err := parseUint(mux.Vars(r), "range_id", 64)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rng, err := h.manager.Index().Range(model.RangeID(id))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rng)
}

// ReserveCopy handles POST /v1/ranges/{range_id}/copies
func (h *Handlers) ReserveCopy(w http.ResponseWriter, r *http.Request) {
	id, err := parseUint(mux.Vars(r), "range_id", 64)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req ReserveCopyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	current := make([]model.NodeID, 0, len(req.Current))
	for _, n := range req.Current {
		current = append(current, model.NodeID(n))
	}
	res, err := h.manager.GetStorageForCopy(model.RangeID(id), req.Size, current)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ConfirmReservation handles POST /v1/reservations/{reservation_id}/confirm
func (h *Handlers) ConfirmReservation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["reservation_id"])
	if err != nil {
		h.writeError(w, r, apperrors.InvalidArgument("invalid reservation id", err))
		return
	}
	res, err := h.manager.ConfirmReservation(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RollbackReservation handles POST /v1/reservations/{reservation_id}/rollback
func (h *Handlers) RollbackReservation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["reservation_id"])
	if err != nil {
		h.writeError(w, r, apperrors.InvalidArgument("invalid reservation id", err))
		return
	}
	res, err := h.manager.RollbackReservation(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListStorageNodes handles GET /v1/storage-nodes
func (h *Handlers) ListStorageNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Directory().List())
}

// AddStorageNode handles POST /v1/storage-nodes
func (h *Handlers) AddStorageNode(w http.ResponseWriter, r *http.Request) {
	var node model.StorageNode
	if !decodeBody(w, r, &node) {
		return
	}
	if node.ID == 0 {
		h.writeError(w, r, apperrors.InvalidArgument("storage node id is required", nil))
		return
	}
	if err := h.manager.RegisterStorageNode(r.Context(), node); err != nil {
		h.writeError(w, r, err)
		return
	}
	stored, _ := h.manager.Directory().Get(node.ID)
	h.logger.Info("Storage node added via API",
		zap.Uint32("node_id", uint32(node.ID)),
		zap.String("addr", node.Addr()))
	writeJSON(w, http.StatusCreated, stored)
}

// RemoveStorageNode handles DELETE /v1/storage-nodes/{node_id}
func (h *Handlers) RemoveStorageNode(w http.ResponseWriter, r *http.Request) {
	id, err := parseUint(mux.Vars(r), "node_id", 32)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.manager.RemoveStorageNode(r.Context(), model.NodeID(id)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetStorageNodeStatus handles PUT /v1/storage-nodes/{node_id}/status
func (h *Handlers) SetStorageNodeStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseUint(mux.Vars(r), "node_id", 32)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req SetStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, err := model.ParseNodeStatus(req.Status)
	if err != nil {
		h.writeError(w, r, apperrors.InvalidArgument(err.Error(), err))
		return
	}
	if err := h.manager.SetStorageNodeStatus(model.NodeID(id), status); err != nil {
		h.writeError(w, r, err)
		return
	}
	node, _ := h.manager.Directory().Get(model.NodeID(id))
	writeJSON(w, http.StatusOK, node)
}

// Stats handles GET /v1/stats
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Stats())
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.GetCode(err)
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	writeErrorResponse(w, r, status, code.String(), err.Error())
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		RequestID: middleware.GetRequestID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, apperrors.ErrCodeInvalidArgument.String(),
			fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func itemKey(vars map[string]string) (model.ItemKey, error) {
	level, err := parseUint(vars, "level", 32)
	if err != nil {
		return model.ItemKey{}, err
	}
	subLevel, err := parseUint(vars, "sub_level", 32)
	if err != nil {
		return model.ItemKey{}, err
	}
	id, err := parseUint(vars, "id", 64)
	if err != nil {
		return model.ItemKey{}, err
	}
	return model.ItemKey{Level: uint32(level), SubLevel: uint32(subLevel), ID: id}, nil
}

func parseUint(vars map[string]string, name string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(vars[name], 10, bits)
	if err != nil {
		return 0, apperrors.InvalidArgument(fmt.Sprintf("invalid %s %q", name, vars[name]), err)
	}
	return v, nil
}
