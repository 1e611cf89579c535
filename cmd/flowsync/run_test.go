package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wgje/flowsync/internal/engine"
	"github.com/wgje/flowsync/internal/rpc"
	"github.com/wgje/flowsync/internal/scheduler"
	"github.com/wgje/flowsync/internal/snapshot"
	"github.com/wgje/flowsync/internal/syncstate"
	"github.com/wgje/flowsync/internal/telemetry"
)

type fakeStorage struct {
	err error
}

func (f *fakeStorage) Upload(context.Context, string, string) error { return nil }

func (f *fakeStorage) PresignedURL(_ context.Context, name string) (string, time.Time, error) {
	if f.err != nil {
		return "", time.Time{}, f.err
	}
	return "https://snapshots.test/queue-snapshots/" + name + "?sig=abc", time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC), nil
}

func newStatusServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	return newStatusServerWith(t, snapshotIndex{dir: t.TempDir()})
}

func newStatusServerWith(t *testing.T, snapshots snapshotIndex) (*httptest.Server, *engine.Engine) {
	t.Helper()
	e := engine.New(engine.Config{}, engine.Options{
		Client:    rpc.NewHTTPClient(rpc.HTTPConfig{}),
		Scheduler: scheduler.NewManual(time.Now()),
		Sink:      telemetry.NopSink{},
	})
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.SetOnline(false)
	srv := httptest.NewServer(newStatusRouter(e, snapshots))
	t.Cleanup(func() {
		srv.Close()
		e.Stop(context.Background())
	})
	return srv, e
}

func TestStatusRouter_Endpoints(t *testing.T) {
	srv, _ := newStatusServer(t)

	tests := []struct {
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{http.MethodGet, "/healthz", http.StatusOK, `"status": "ok"`},
		{http.MethodGet, "/state", http.StatusOK, `"queue_length": 0`},
		{http.MethodGet, "/queue", http.StatusOK, `"pending"`},
		{http.MethodPost, "/flush", http.StatusOK, `"stopped": "offline"`},
		{http.MethodPost, "/resume", http.StatusOK, `"completed"`},
		{http.MethodGet, "/metrics", http.StatusOK, "flowsync_"},
		{http.MethodGet, "/snapshots", http.StatusOK, `"snapshots": []`},
		{http.MethodGet, "/nope", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, srv.URL+tt.path, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			body, _ := io.ReadAll(resp.Body)
			if tt.wantBody != "" && !strings.Contains(string(body), tt.wantBody) {
				t.Errorf("body missing %q:\n%.500s", tt.wantBody, body)
			}
		})
	}
}

func TestStatusRouter_Online(t *testing.T) {
	srv, e := newStatusServer(t)

	resp, err := http.Post(srv.URL+"/online?value=true", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var state struct {
		IsOnline bool `json:"is_online"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatal(err)
	}
	if !state.IsOnline || !e.State().IsOnline {
		t.Error("engine not switched online")
	}
}

func TestStatusRouter_SnapshotLinks(t *testing.T) {
	dir := t.TempDir()
	path, err := snapshot.Write(dir, snapshot.New(time.Now(), nil, nil, syncstate.Snapshot{}))
	if err != nil {
		t.Fatal(err)
	}
	name := filepath.Base(path)

	tests := []struct {
		name       string
		storage    snapshot.Uploader
		snapshot   string
		wantStatus int
		wantBody   string
	}{
		{"uploaded snapshot", &fakeStorage{}, name, http.StatusOK, "https://snapshots.test/queue-snapshots/" + name},
		{"storage not configured", &snapshot.NoopUploader{}, name, http.StatusNotFound, "not configured"},
		{"no storage", nil, name, http.StatusNotFound, "not configured"},
		{"storage failure", &fakeStorage{err: errors.New("signing failed")}, name, http.StatusBadGateway, "signing failed"},
		{"unknown snapshot", &fakeStorage{}, "01ARZ3NDEKTSV4RRFFQ69G5FAV.json", http.StatusNotFound, "snapshot not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newStatusServerWith(t, snapshotIndex{dir: dir, storage: tt.storage})

			resp, err := http.Get(srv.URL + "/snapshots/" + tt.snapshot + "/url")
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			body, _ := io.ReadAll(resp.Body)
			if !strings.Contains(string(body), tt.wantBody) {
				t.Errorf("body missing %q:\n%s", tt.wantBody, body)
			}
		})
	}

	srv, _ := newStatusServerWith(t, snapshotIndex{dir: dir})
	resp, err := http.Get(srv.URL + "/snapshots")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var listing struct {
		Snapshots []string `json:"snapshots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatal(err)
	}
	if len(listing.Snapshots) != 1 || listing.Snapshots[0] != name {
		t.Errorf("snapshots = %v, want [%s]", listing.Snapshots, name)
	}
}
