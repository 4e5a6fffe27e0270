package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/loyaltywallet/internal/model"
	"github.com/dukerupert/loyaltywallet/internal/snapshot"
)

type SnapshotManager interface {
	RunNow(ctx context.Context) (*model.Snapshot, error)
	List(ctx context.Context, limit int) ([]model.Snapshot, error)
	Status() snapshot.Status
}

type SnapshotHandler struct {
	snapshots SnapshotManager
	logger    *slog.Logger
}

func NewSnapshotHandler(snapshots SnapshotManager, logger *slog.Logger) *SnapshotHandler {
	return &SnapshotHandler{snapshots: snapshots, logger: logger}
}

type snapshotList struct {
	Status    snapshot.Status  `json:"status"`
	Snapshots []model.Snapshot `json:"snapshots"`
}

// List handles GET /api/admin/snapshots.
func (h *SnapshotHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _, err := parsePage(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	snaps, err := h.snapshots.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("list snapshots", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, snapshotList{Status: h.snapshots.Status(), Snapshots: snaps})
}

// Create handles POST /api/admin/snapshots and blocks until the upload ends.
func (h *SnapshotHandler) Create(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshots.RunNow(r.Context())
	switch {
	case errors.Is(err, snapshot.ErrDisabled):
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: err.Error(), Code: "snapshots_disabled"})
	case errors.Is(err, snapshot.ErrInProgress):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "snapshot_in_progress"})
	case err != nil:
		h.logger.Error("snapshot failed", "error", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "snapshot failed", Code: "snapshot_failed"})
	default:
		writeJSON(w, http.StatusCreated, snap)
	}
}
