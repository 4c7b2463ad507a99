package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ltoc/collab/internal/metrics"
	"ltoc/collab/internal/search"
	"ltoc/collab/internal/signaling"
	"ltoc/collab/internal/store"
)

type fakeRooms struct {
	pingErr   error
	snapshots map[string]store.Snapshot
	rooms     []store.Room
}

func (f *fakeRooms) Ping(context.Context) error { return f.pingErr }

func (f *fakeRooms) GetSnapshot(_ context.Context, room string) (store.Snapshot, error) {
	snap, ok := f.snapshots[room]
	if !ok {
		return store.Snapshot{}, store.ErrNotFound
	}
	return snap, nil
}

func (f *fakeRooms) ListRooms(_ context.Context, limit int) ([]store.Room, error) {
	if len(f.rooms) > limit {
		return f.rooms[:limit], nil
	}
	return f.rooms, nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeSearch struct{ got search.Query }

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.got = q
	return search.Response{Results: []search.Result{{RoomID: "room-1", Snippet: "<mark>goal</mark>"}}, Total: 1, Query: q.Text}
}

type fakeLive map[string]int

func (f fakeLive) Topics() []string {
	var out []string
	for topic := range f {
		out = append(out, topic)
	}
	return out
}

func (f fakeLive) Subscribers(topic string) int { return f[topic] }

func serve(t *testing.T, srv *HTTPServer, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	var body map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, body
}

func TestHealthEndpoint(t *testing.T) {
	srv := NewHTTPServer(NewService(Options{}), HTTPOptions{})
	rr, body := serve(t, srv, http.MethodGet, "/api/health")
	if rr.Code != http.StatusOK || body["ok"] != true {
		t.Fatalf("unexpected health response %d %v", rr.Code, body)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		opts       Options
		wantStatus int
		wantDB     string
		wantRedis  string
	}{
		{
			name:       "nothing configured",
			opts:       Options{},
			wantStatus: http.StatusOK,
			wantDB:     "disabled",
			wantRedis:  "disabled",
		},
		{
			name:       "all healthy",
			opts:       Options{Rooms: &fakeRooms{}, Redis: fakePinger{}},
			wantStatus: http.StatusOK,
			wantDB:     "ok",
			wantRedis:  "ok",
		},
		{
			name:       "database down",
			opts:       Options{Rooms: &fakeRooms{pingErr: errors.New("connection refused")}, Redis: fakePinger{}},
			wantStatus: http.StatusServiceUnavailable,
			wantDB:     "error",
			wantRedis:  "ok",
		},
		{
			name:       "redis down",
			opts:       Options{Rooms: &fakeRooms{}, Redis: fakePinger{err: errors.New("EOF")}},
			wantStatus: http.StatusServiceUnavailable,
			wantDB:     "ok",
			wantRedis:  "error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewHTTPServer(NewService(tt.opts), HTTPOptions{})
			rr, body := serve(t, srv, http.MethodGet, "/api/ready")
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			checks := body["checks"].(map[string]any)
			if got := checks["database"].(map[string]any)["status"]; got != tt.wantDB {
				t.Errorf("database check = %v, want %s", got, tt.wantDB)
			}
			if got := checks["redis"].(map[string]any)["status"]; got != tt.wantRedis {
				t.Errorf("redis check = %v, want %s", got, tt.wantRedis)
			}
			if want := tt.wantStatus == http.StatusOK; body["ok"] != want {
				t.Errorf("ok = %v, want %v", body["ok"], want)
			}
		})
	}
}

func TestRoomEndpoints(t *testing.T) {
	updated := time.Unix(1700000000, 0).UTC()
	rooms := &fakeRooms{
		snapshots: map[string]store.Snapshot{
			"room-archived": {RoomID: "room-archived", Text: "Goal\n<Outcome>", UpdatedAt: updated, Pending: 2},
		},
		rooms: []store.Room{{ID: "room-archived", UpdatedAt: updated, Excerpt: "Goal"}},
	}
	srv := NewHTTPServer(NewService(Options{
		Rooms:     rooms,
		Live:      fakeLive{"room-live": 2},
		ShareBase: "https://ltoc.example/editor",
	}), HTTPOptions{})

	rr, body := serve(t, srv, http.MethodGet, "/api/rooms/room-archived")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if body["html"] != "<p>Goal</p>\n<p>&lt;Outcome&gt;</p>\n" || body["pending"] != float64(2) || body["live"] != false {
		t.Fatalf("unexpected room %v", body)
	}

	rr, body = serve(t, srv, http.MethodGet, "/api/rooms/room-live")
	if rr.Code != http.StatusOK || body["live"] != true || body["subscribers"] != float64(2) || body["text"] != "" {
		t.Fatalf("unexpected live room %d %v", rr.Code, body)
	}

	rr, body = serve(t, srv, http.MethodGet, "/api/rooms/room-missing")
	if rr.Code != http.StatusNotFound || body["code"] != "ROOM_NOT_FOUND" {
		t.Fatalf("unexpected missing room %d %v", rr.Code, body)
	}

	rr, body = serve(t, srv, http.MethodGet, "/api/rooms?limit=10")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if live := body["live"].([]any); len(live) != 1 {
		t.Fatalf("unexpected live rooms %v", live)
	}
	if archived := body["archived"].([]any); len(archived) != 1 {
		t.Fatalf("unexpected archived rooms %v", archived)
	}

	rr, body = serve(t, srv, http.MethodGet, "/api/rooms?limit=-1")
	if rr.Code != http.StatusUnprocessableEntity || body["code"] != "VALIDATION_ERROR" {
		t.Fatalf("unexpected bad limit response %d %v", rr.Code, body)
	}

	rr, body = serve(t, srv, http.MethodPost, "/api/rooms")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rr.Code)
	}
	id, _ := body["roomId"].(string)
	if !strings.HasPrefix(id, "room-") || body["shareUrl"] != "https://ltoc.example/editor?room="+id {
		t.Fatalf("unexpected new room %v", body)
	}
}

func TestSearchEndpoint(t *testing.T) {
	fs := &fakeSearch{}
	srv := NewHTTPServer(NewService(Options{Search: fs}), HTTPOptions{})

	rr, body := serve(t, srv, http.MethodGet, "/api/search?q=+goal+&limit=5&offset=10")
	if rr.Code != http.StatusOK || body["total"] != float64(1) {
		t.Fatalf("unexpected search response %d %v", rr.Code, body)
	}
	if fs.got != (search.Query{Text: "goal", Limit: 5, Offset: 10}) {
		t.Fatalf("unexpected query %+v", fs.got)
	}

	rr, _ = serve(t, srv, http.MethodGet, "/api/search")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without q, got %d", rr.Code)
	}

	disabled := NewHTTPServer(NewService(Options{}), HTTPOptions{})
	rr, body = serve(t, disabled, http.MethodGet, "/api/search?q=goal")
	if rr.Code != http.StatusServiceUnavailable || body["code"] != "SEARCH_DISABLED" {
		t.Fatalf("unexpected disabled search response %d %v", rr.Code, body)
	}
}

func TestMetricsRecordRoutes(t *testing.T) {
	m := metrics.New("test")
	srv := NewHTTPServer(NewService(Options{}), HTTPOptions{Metrics: m})
	serve(t, srv, http.MethodGet, "/api/health")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	want := `test_http_requests_total{method="GET",route="/api/health",status="200"} 1`
	if !strings.Contains(rr.Body.String(), want) {
		t.Fatalf("metrics output missing %s", want)
	}
}

func TestUnknownRoute(t *testing.T) {
	srv := NewHTTPServer(NewService(Options{}), HTTPOptions{})
	rr, body := serve(t, srv, http.MethodGet, "/api/nope")
	if rr.Code != http.StatusNotFound || body["code"] != "NOT_FOUND" {
		t.Fatalf("unexpected response %d %v", rr.Code, body)
	}
}

func TestSignalRouteUpgrades(t *testing.T) {
	hub := signaling.NewHub(signaling.HubOptions{})
	defer hub.Close()
	srv := httptest.NewServer(NewHTTPServer(NewService(Options{Live: hub}), HTTPOptions{Signal: hub}).Handler())
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/signal", nil)
	if err != nil {
		t.Fatalf("dial /signal: %v", err)
	}
	defer ws.Close()
	if err := ws.WriteJSON(signaling.Message{Type: signaling.TypePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg signaling.Message
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if msg.Type != signaling.TypePong {
		t.Fatalf("expected pong, got %q", msg.Type)
	}
}
