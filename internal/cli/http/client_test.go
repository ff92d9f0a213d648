package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestDoSendsBearerToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"code":10000}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second, func() string { return "tok" })
	resp, err := client.Do(context.Background(), http.MethodPost, "/api/v1/projects/p1/runs", nil, []byte(`{}`))
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusCreated || string(resp.Body) != `{"code":10000}` {
		t.Fatalf("unexpected response: %d %s", resp.StatusCode, resp.Body)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
}

func TestStreamStopsWhenHandlerReturnsFalse(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, frame := range []string{`{"type":"state","status":"subscribed"}`, `{"type":"update","status":"running"}`, `{"type":"update","status":"succeeded"}`} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	client := New(server.URL, time.Second, nil)
	var frames []string
	err := client.Stream(context.Background(), "/stream", func(payload []byte) bool {
		frames = append(frames, string(payload))
		return len(frames) < 2
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected two frames, got %v", frames)
	}
}

func TestStreamReportsHandshakeStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":10004}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second, nil)
	if err := client.Stream(context.Background(), "/stream", func([]byte) bool { return true }); err == nil {
		t.Fatalf("expected handshake error")
	}
}

func TestWebsocketURL(t *testing.T) {
	if got, _ := websocketURL("https://runs.example.com", "/x"); got != "wss://runs.example.com/x" {
		t.Fatalf("unexpected url %s", got)
	}
	if _, err := websocketURL("runs.example.com", "/x"); err == nil {
		t.Fatalf("expected scheme error")
	}
}
