package controller

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev map[string]any
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return ev
}

func TestWS_AuthEventOnConnect(t *testing.T) {
	for _, signedIn := range []bool{true, false} {
		f := newFixture(t, signedIn)
		srv := httptest.NewServer(f.mux)
		t.Cleanup(srv.Close)

		ev := readEvent(t, dialWS(t, srv))
		if ev["type"] != "auth" || ev["signedIn"] != signedIn {
			t.Errorf("signedIn=%v: first event = %v", signedIn, ev)
		}
	}
}

func TestWS_TelemetryEventAfterToggle(t *testing.T) {
	f := newFixture(t, true)
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)

	conn := dialWS(t, srv)
	readEvent(t, conn)

	resp, err := http.Post(srv.URL+"/api/v1/devices/device1/toggle", "", nil)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	_ = resp.Body.Close()

	ev := readEvent(t, conn)
	if ev["type"] != "telemetry" {
		t.Fatalf("event = %v; want telemetry", ev)
	}
	devices, _ := ev["devices"].([]any)
	if len(devices) != 1 {
		t.Errorf("devices = %v; want one result", ev["devices"])
	}
}

func TestHub_CloseDropsSockets(t *testing.T) {
	f := newFixture(t, true)
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)

	conn := dialWS(t, srv)
	readEvent(t, conn)

	f.hub.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("socket still open after hub Close")
	}
}
