package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/slotwatch/bookerd/internal/config"
	"github.com/slotwatch/bookerd/internal/hub"
	"github.com/slotwatch/bookerd/internal/scheduler"
	"github.com/slotwatch/bookerd/internal/secrets"
	"github.com/slotwatch/bookerd/internal/store"
	"github.com/slotwatch/bookerd/internal/tasks"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := newTestAPI(t)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func newTestAPI(t *testing.T) *Server {
	t.Helper()
	cfg := config.Config{
		Timezone:           "UTC",
		ScanInterval:       time.Hour,
		MaxQuantityPerSlot: 50,
		OutboundQueueSize:  32,
		RecoveryPolicy:     config.RecoveryReschedule,
	}
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	vault, err := secrets.NewFileVault(filepath.Join(t.TempDir(), "credentials.json"))
	if err != nil {
		t.Fatalf("NewFileVault() error = %v", err)
	}
	h := hub.New(cfg.OutboundQueueSize, nil)
	sched := scheduler.New(cfg, st, h, vault, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := sched.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	sched.Register(ctx, h)
	go sched.Run(ctx)

	return New(cfg, h, sched, vault, nil, "file")
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createBookingBody(triggerAt string) map[string]any {
	return map[string]any{
		"target_url":   "https://booking.example.com/court",
		"booking_date": "2026-09-14",
		"trigger_at":   triggerAt,
		"slots":        []map[string]any{{"label": "10:00 AM", "quantity": 2}},
	}
}

func futureTrigger() string {
	return time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
}

func TestHealthReportsStoreModeAndCounts(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	var body struct {
		Status      string         `json:"status"`
		StoreMode   string         `json:"store_mode"`
		Connections map[string]int `json:"connections"`
	}
	decodeBody(t, resp, &body)
	if body.Status != "ok" || body.StoreMode != "file" {
		t.Fatalf("health = %+v", body)
	}
	if body.Connections["dashboard"] != 0 {
		t.Fatalf("dashboard count = %d, want 0", body.Connections["dashboard"])
	}
}

func TestBookingLifecycleOverREST(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/bookings", createBookingBody(futureTrigger()))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var created tasks.Task
	decodeBody(t, resp, &created)
	if created.ID == "" || created.Status != tasks.StatusScheduled {
		t.Fatalf("created = %+v", created)
	}

	// List, then filter.
	resp, err := http.Get(ts.URL + "/v1/bookings")
	if err != nil {
		t.Fatalf("GET bookings: %v", err)
	}
	var listed struct {
		Bookings []tasks.Task `json:"bookings"`
	}
	decodeBody(t, resp, &listed)
	if len(listed.Bookings) != 1 {
		t.Fatalf("listed %d bookings, want 1", len(listed.Bookings))
	}
	resp, err = http.Get(ts.URL + "/v1/bookings?status=completed")
	if err != nil {
		t.Fatalf("GET bookings filtered: %v", err)
	}
	decodeBody(t, resp, &listed)
	if len(listed.Bookings) != 0 {
		t.Fatalf("filtered list = %d, want 0", len(listed.Bookings))
	}

	// Fetch one.
	resp, err = http.Get(ts.URL + "/v1/bookings/" + created.ID)
	if err != nil {
		t.Fatalf("GET booking: %v", err)
	}
	var fetched tasks.Task
	decodeBody(t, resp, &fetched)
	if fetched.ID != created.ID {
		t.Fatalf("fetched.ID = %q, want %q", fetched.ID, created.ID)
	}

	// Append an external log line.
	resp = postJSON(t, ts.URL+"/v1/bookings/"+created.ID+"/logs", map[string]any{"message": "operator note"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("append log status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Cancel, then a second cancel conflicts.
	resp = postJSON(t, ts.URL+"/v1/bookings/"+created.ID+"/cancel", nil)
	var cancelled tasks.Task
	decodeBody(t, resp, &cancelled)
	if cancelled.Status != tasks.StatusCancelled {
		t.Fatalf("cancelled.Status = %v", cancelled.Status)
	}
	resp = postJSON(t, ts.URL+"/v1/bookings/"+created.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	// Delete.
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/bookings/"+created.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE booking: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp, err = http.Get(ts.URL + "/v1/bookings/" + created.ID)
	if err != nil {
		t.Fatalf("GET deleted booking: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateBookingValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/bookings", createBookingBody("2020-01-01T00:00:00Z"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("past trigger status = %d, want 400", resp.StatusCode)
	}
	var errBody struct {
		Code string `json:"code"`
	}
	decodeBody(t, resp, &errBody)
	if errBody.Code != "trigger_in_past" {
		t.Fatalf("error code = %q, want trigger_in_past", errBody.Code)
	}

	resp = postJSON(t, ts.URL+"/v1/bookings", map[string]any{"target_url": "https://x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing fields status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/v1/bookings?status=booked")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad filter status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateBookingRejectsInvalidSlots(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name  string
		slots []map[string]any
	}{
		{"zero quantity", []map[string]any{{"label": "10:00 AM", "quantity": 0}}},
		{"duplicate label", []map[string]any{{"label": "10:00 AM", "quantity": 1}, {"label": "10:00 AM", "quantity": 2}}},
		{"missing label", []map[string]any{{"label": "", "quantity": 1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := createBookingBody(futureTrigger())
			body["slots"] = tc.slots
			resp := postJSON(t, ts.URL+"/v1/bookings", body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("create status = %d, want 400", resp.StatusCode)
			}
			resp.Body.Close()
		})
	}

	// None of the rejected requests left a record behind.
	resp, err := http.Get(ts.URL + "/v1/bookings")
	if err != nil {
		t.Fatalf("GET bookings: %v", err)
	}
	var listed struct {
		Bookings []tasks.Task `json:"bookings"`
	}
	decodeBody(t, resp, &listed)
	if len(listed.Bookings) != 0 {
		t.Fatalf("listed %d bookings, want 0", len(listed.Bookings))
	}
}

func TestUpdateBookingOverREST(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/bookings", createBookingBody(futureTrigger()))
	var created tasks.Task
	decodeBody(t, resp, &created)

	body := createBookingBody(time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339))
	body["slots"] = []map[string]any{{"label": "11:00 AM", "quantity": 3}}
	data, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/bookings/"+created.ID, bytes.NewReader(data))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT booking: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, want 200", resp.StatusCode)
	}
	var updated tasks.Task
	decodeBody(t, resp, &updated)
	if updated.ID != created.ID {
		t.Fatalf("updated.ID = %q, want %q", updated.ID, created.ID)
	}
	if len(updated.Slots) != 1 || updated.Slots[0].Label != "11:00 AM" || updated.Slots[0].Quantity != 3 {
		t.Fatalf("updated.Slots = %+v", updated.Slots)
	}

	// Editing a cancelled booking conflicts.
	resp = postJSON(t, ts.URL+"/v1/bookings/"+created.ID+"/cancel", nil)
	resp.Body.Close()
	req, _ = http.NewRequest(http.MethodPut, ts.URL+"/v1/bookings/"+created.ID, bytes.NewReader(data))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT cancelled booking: %v", err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("update cancelled status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodPut, ts.URL+"/v1/bookings/no-such-id", bytes.NewReader(data))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT unknown booking: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("update unknown status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCredentialAPIMasksPasswords(t *testing.T) {
	ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/config",
		strings.NewReader(`{"ref":"club","email":"member@club.example.com","password":"s3cret"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT config: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/v1/config")
	if err != nil {
		t.Fatalf("GET config: %v", err)
	}
	raw := new(bytes.Buffer)
	if _, err := raw.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	resp.Body.Close()
	if strings.Contains(raw.String(), "s3cret") {
		t.Fatalf("config response leaks the clear password: %s", raw.String())
	}
	var body struct {
		Credentials map[string]secrets.Credential `json:"credentials"`
	}
	if err := json.Unmarshal(raw.Bytes(), &body); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if body.Credentials["club"].Password != "********" {
		t.Fatalf("masked password = %q", body.Credentials["club"].Password)
	}

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/v1/config?ref=club", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE config: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readWSFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return out
}

func TestWebSocketScheduleFlow(t *testing.T) {
	ts := newTestServer(t)

	dash := dialWS(t, ts)
	if err := dash.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello_dashboard"}`)); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	welcome := readWSFrame(t, dash)
	if welcome["type"] != "welcome" || welcome["role"] != "dashboard" {
		t.Fatalf("welcome = %v", welcome)
	}

	frame := fmt.Sprintf(`{"type":"schedule_task","target_url":"https://booking.example.com/court","booking_date":"2026-09-14","trigger_at":%q,"slots":[{"label":"10:00 AM","quantity":2}]}`, futureTrigger())
	if err := dash.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write schedule: %v", err)
	}
	echo := readWSFrame(t, dash)
	if echo["type"] != "task_scheduled" {
		t.Fatalf("echo type = %v, want task_scheduled", echo["type"])
	}
	task := echo["task"].(map[string]any)
	if task["status"] != "scheduled" {
		t.Fatalf("echoed status = %v", task["status"])
	}

	// The scheduled booking is also visible over REST.
	resp, err := http.Get(ts.URL + "/v1/bookings?status=scheduled")
	if err != nil {
		t.Fatalf("GET bookings: %v", err)
	}
	var listed struct {
		Bookings []tasks.Task `json:"bookings"`
	}
	decodeBody(t, resp, &listed)
	if len(listed.Bookings) != 1 {
		t.Fatalf("listed %d bookings, want 1", len(listed.Bookings))
	}
}

func TestWebSocketRejectsMalformedFrame(t *testing.T) {
	ts := newTestServer(t)
	ws := dialWS(t, ts)
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"schedule_task"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readWSFrame(t, ws)
	if frame["type"] != "error_event" || frame["code"] != "invalid_message" {
		t.Fatalf("frame = %v", frame)
	}
}

func TestPingKeepsConnectionAliveAcrossReadDeadline(t *testing.T) {
	srv := newTestAPI(t)
	srv.readWait = 250 * time.Millisecond
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	ws := dialWS(t, ts)
	// Keep pinging well past several deadline windows.
	stop := time.Now().Add(time.Second)
	for time.Now().Before(stop) {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
			t.Fatalf("write ping: %v", err)
		}
		if frame := readWSFrame(t, ws); frame["type"] != "pong" {
			t.Fatalf("frame type = %v, want pong", frame["type"])
		}
		time.Sleep(100 * time.Millisecond)
	}

	// The connection is still serviceable.
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello_dashboard"}`)); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	if frame := readWSFrame(t, ws); frame["type"] != "welcome" {
		t.Fatalf("frame type = %v, want welcome", frame["type"])
	}
}

func TestSilentConnectionIsDropped(t *testing.T) {
	srv := newTestAPI(t)
	srv.readWait = 200 * time.Millisecond
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	ws := dialWS(t, ts)
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatalf("expected the server to close a silent connection")
	}
}

func TestWebSocketPing(t *testing.T) {
	ts := newTestServer(t)
	ws := dialWS(t, ts)
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	frame := readWSFrame(t, ws)
	if frame["type"] != "pong" {
		t.Fatalf("frame type = %v, want pong", frame["type"])
	}
}
