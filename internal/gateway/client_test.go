package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/missionctl/internal/gateway"
)

func TestSessionKey(t *testing.T) {
	cases := []struct {
		agent, task, want string
	}{
		{"bob", "", "agent:bob:mc"},
		{"bob", "t42", "agent:bob:mc:t42"},
	}
	for _, tc := range cases {
		if got := gateway.SessionKey(tc.agent, tc.task); got != tc.want {
			t.Errorf("SessionKey(%q, %q) = %q, want %q", tc.agent, tc.task, got, tc.want)
		}
	}
}

type wireRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  struct {
		Tool       string         `json:"tool"`
		Args       map[string]any `json:"args"`
		SessionKey string         `json:"session_key"`
	} `json:"params"`
}

type wireResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// newTestGateway runs a websocket server answering tools.invoke with the
// given handler.
func newTestGateway(t *testing.T, handle func(req wireRequest) wireResponse) *gateway.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for {
			var req wireRequest
			if err := wsjson.Read(ctx, conn, &req); err != nil {
				return
			}
			resp := handle(req)
			resp.JSONRPC = "2.0"
			resp.ID = req.ID
			if err := wsjson.Write(ctx, conn, resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	client := gateway.New(gateway.Config{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		CallTimeout: 5 * time.Second,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestInvokeRoundTrip(t *testing.T) {
	var seen wireRequest
	client := newTestGateway(t, func(req wireRequest) wireResponse {
		seen = req
		return wireResponse{Result: map[string]any{"ok": true}}
	})

	out, err := client.Invoke(context.Background(), "lobster",
		map[string]any{"runId": "r1"}, "agent:bob:mc", 0)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	var result map[string]any
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("result: %v", err)
	}
	if result["ok"] != true {
		t.Fatalf("result = %v", result)
	}
	if seen.Method != "tools.invoke" || seen.Params.Tool != "lobster" {
		t.Fatalf("request = %+v", seen)
	}
	if seen.Params.SessionKey != "agent:bob:mc" || seen.Params.Args["runId"] != "r1" {
		t.Fatalf("params = %+v", seen.Params)
	}
}

func TestInvokeSurfacesGatewayError(t *testing.T) {
	client := newTestGateway(t, func(req wireRequest) wireResponse {
		return wireResponse{Error: &struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}{Code: 42, Message: "no such tool"}}
	})

	_, err := client.Invoke(context.Background(), "missing", nil, "", 0)
	if err == nil || !strings.Contains(err.Error(), "no such tool") {
		t.Fatalf("err = %v", err)
	}
}

func TestNotifyAgentUsesSessionsTool(t *testing.T) {
	var seen wireRequest
	client := newTestGateway(t, func(req wireRequest) wireResponse {
		seen = req
		return wireResponse{Result: map[string]any{}}
	})

	err := client.NotifyAgent(context.Background(), "bob", "t1", "hello", 0)
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if seen.Params.Tool != gateway.SessionsTool {
		t.Fatalf("tool = %q", seen.Params.Tool)
	}
	if seen.Params.SessionKey != "agent:bob:mc:t1" {
		t.Fatalf("session key = %q", seen.Params.SessionKey)
	}
	if seen.Params.Args["content"] != "hello" {
		t.Fatalf("args = %v", seen.Params.Args)
	}
}

func TestInvokeTimesOutWithoutServerResponse(t *testing.T) {
	client := newTestGateway(t, func(req wireRequest) wireResponse {
		time.Sleep(2 * time.Second)
		return wireResponse{Result: map[string]any{}}
	})

	_, err := client.Invoke(context.Background(), "slow", nil, "", 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
