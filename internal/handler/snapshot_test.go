package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/dukerupert/loyaltywallet/internal/auth"
	"github.com/dukerupert/loyaltywallet/internal/model"
	"github.com/dukerupert/loyaltywallet/internal/snapshot"
)

type fakeSnapshots struct {
	runErr error
	snaps  []model.Snapshot
}

func (f *fakeSnapshots) RunNow(context.Context) (*model.Snapshot, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	s := model.Snapshot{ID: "snap-1", Status: model.SnapshotStatusCompleted}
	f.snaps = append(f.snaps, s)
	return &s, nil
}

func (f *fakeSnapshots) List(_ context.Context, limit int) ([]model.Snapshot, error) {
	if len(f.snaps) > limit {
		return f.snaps[:limit], nil
	}
	return f.snaps, nil
}

func (f *fakeSnapshots) Status() snapshot.Status {
	return snapshot.Status{State: snapshot.StateIdle}
}

func TestSnapshotHandler(t *testing.T) {
	admin := auth.Caller{ID: "ops", Role: auth.RoleAdmin}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fake := &fakeSnapshots{}
	h := NewSnapshotHandler(fake, logger)

	rec := call(t, h.Create, admin, "POST", "/api/admin/snapshots", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", rec.Code, rec.Body)
	}

	rec = call(t, h.List, admin, "GET", "/api/admin/snapshots", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	list := decode[snapshotList](t, rec)
	if list.Status.State != snapshot.StateIdle || len(list.Snapshots) != 1 || list.Snapshots[0].ID != "snap-1" {
		t.Errorf("list = %+v", list)
	}

	tests := []struct {
		err    error
		status int
		code   string
	}{
		{snapshot.ErrDisabled, http.StatusNotImplemented, "snapshots_disabled"},
		{snapshot.ErrInProgress, http.StatusConflict, "snapshot_in_progress"},
		{errors.New("upload: connection refused"), http.StatusBadGateway, "snapshot_failed"},
	}
	for _, tt := range tests {
		h := NewSnapshotHandler(&fakeSnapshots{runErr: tt.err}, logger)
		rec := call(t, h.Create, admin, "POST", "/api/admin/snapshots", nil)
		if rec.Code != tt.status {
			t.Errorf("%v: status = %d, want %d", tt.err, rec.Code, tt.status)
			continue
		}
		if body := decode[errorBody](t, rec); body.Code != tt.code {
			t.Errorf("%v: code = %q, want %q", tt.err, body.Code, tt.code)
		}
	}
}
