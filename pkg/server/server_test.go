package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"

	"github.com/accelkit/npu-dispatch/pkg/engine"
	"github.com/accelkit/npu-dispatch/pkg/runtime"
	"github.com/accelkit/npu-dispatch/pkg/tensor"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	rt, err := runtime.Open(engine.NewSimulated(engine.SimConfig{Delay: time.Millisecond}), runtime.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { rt.Close() })

	s := New(rt, "test-node", 5*time.Second)
	mux := http.NewServeMux()
	s.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func inferInput() *tensor.Bundle {
	b := tensor.New(1)
	b.Tensors[0] = tensor.Tensor{
		Name:  "input",
		Type:  tensor.Uint8,
		Shape: []int64{1, 3, 4, 4},
		Data:  make([]byte, 48),
	}
	return b
}

func TestInferEndpoint(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/infer"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, EncodeBundle(inferInput())); err != nil {
		t.Fatalf("write: %v", err)
	}

	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("got message type %d, want binary (%s)", mt, data)
	}

	out, err := DecodeBundle(data)
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out.Len() != 2 || out.Tensors[0].Name != "scores" || out.Tensors[1].Name != "labels" {
		t.Fatalf("unexpected result bundle:\n%s", out.Metadata())
	}
}

func TestInferRejectsBadFrames(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/infer"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readError := func(context string) {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("%s: read: %v", context, err)
		}
		if mt != websocket.TextMessage {
			t.Fatalf("%s: got message type %d, want text error", context, mt)
		}
		var payload map[string]string
		if err := sonnet.Unmarshal(data, &payload); err != nil {
			t.Fatalf("%s: unmarshal error payload: %v", context, err)
		}
		if payload["error"] == "" {
			t.Fatalf("%s: empty error payload", context)
		}
	}

	// Malformed bytes.
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x0a}); err != nil {
		t.Fatal(err)
	}
	readError("malformed frame")

	// A two-tensor bundle is not a valid submission.
	two := tensor.New(2)
	two.Tensors[0] = tensor.Tensor{Name: "a", Type: tensor.Uint8, Shape: []int64{1}, Data: []byte{1}}
	two.Tensors[1] = tensor.Tensor{Name: "b", Type: tensor.Uint8, Shape: []int64{1}, Data: []byte{2}}
	if err := conn.WriteMessage(websocket.BinaryMessage, EncodeBundle(two)); err != nil {
		t.Fatal(err)
	}
	readError("two-tensor bundle")

	// The connection still serves valid frames afterwards.
	if err := conn.WriteMessage(websocket.BinaryMessage, EncodeBundle(inferInput())); err != nil {
		t.Fatal(err)
	}
	mt, _, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read after errors: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("pipeline did not recover: message type %d", mt)
	}
}

func TestStatsBroadcast(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t)
	s.StartBroadcast(10 * time.Millisecond)
	defer s.Stop()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading broadcast: %v", err)
	}

	var state map[string]any
	if err := sonnet.Unmarshal(data, &state); err != nil {
		t.Fatalf("unmarshal broadcast: %v", err)
	}
	if state["node_id"] != "test-node" {
		t.Errorf("node_id = %v", state["node_id"])
	}
	if _, ok := state["stats"]; !ok {
		t.Error("broadcast payload missing stats")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	text := string(body)
	for _, want := range []string{
		"npud_submitted_total{node=\"test-node\"}",
		"npud_scratch_available{node=\"test-node\"} 10",
		"npud_delivered_total",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q:\n%s", want, text)
		}
	}

	health, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", health.StatusCode)
	}
}
