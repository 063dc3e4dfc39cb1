package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"
	"k8s.io/klog/v2"

	"github.com/accelkit/npu-dispatch/pkg/runtime"
	"github.com/accelkit/npu-dispatch/pkg/tensor"
)

// Server fronts one dispatch runtime over HTTP.
type Server struct {
	rt             *runtime.Runtime
	nodeID         string
	receiveTimeout time.Duration
	bc             *Broadcaster

	// inferMu serializes the submit/receive pair per frame so results on
	// the globally FIFO output queue cannot cross between connections.
	inferMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a server around rt.
func New(rt *runtime.Runtime, nodeID string, receiveTimeout time.Duration) *Server {
	return &Server{
		rt:             rt,
		nodeID:         nodeID,
		receiveTimeout: receiveTimeout,
		bc:             NewBroadcaster(),
		stopCh:         make(chan struct{}),
	}
}

// Register installs the HTTP endpoints.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/infer", s.handleInfer)
	mux.HandleFunc("/ws", s.bc.HandleWS)
	mux.HandleFunc("/metrics", s.serveMetrics)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

// StartBroadcast begins pushing pipeline stats to dashboard clients.
func (s *Server) StartBroadcast(interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.bc.Broadcast(s.state())
			}
		}
	}()
}

// Stop ends the broadcast loop.
func (s *Server) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// nodeState is the JSON payload pushed to dashboard clients.
type nodeState struct {
	NodeID    string        `json:"node_id"`
	Timestamp int64         `json:"timestamp_ms"`
	Stats     runtime.Stats `json:"stats"`
}

func (s *Server) state() nodeState {
	return nodeState{
		NodeID:    s.nodeID,
		Timestamp: time.Now().UnixMilli(),
		Stats:     s.rt.Snapshot(),
	}
}

// handleInfer upgrades the connection and serves binary tensor frames:
// each incoming frame is one submission, answered by one result frame.
func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.Warningf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	klog.V(1).Infof("inference client connected from %s", r.RemoteAddr)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			s.writeError(conn, fmt.Errorf("expected a binary tensor frame"))
			continue
		}

		in, err := DecodeBundle(data)
		if err != nil {
			s.writeError(conn, fmt.Errorf("malformed frame: %v", err))
			continue
		}
		if err := in.Validate(); err != nil {
			s.writeError(conn, fmt.Errorf("invalid bundle: %v", err))
			continue
		}

		out, err := s.dispatch(in)
		if err != nil {
			s.writeError(conn, err)
			continue
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, EncodeBundle(out)); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(in *tensor.Bundle) (*tensor.Bundle, error) {
	s.inferMu.Lock()
	defer s.inferMu.Unlock()

	if err := s.rt.Submit(in); err != nil {
		return nil, err
	}
	return s.rt.Receive(s.receiveTimeout)
}

func (s *Server) writeError(conn *websocket.Conn, err error) {
	payload, merr := sonnet.Marshal(map[string]string{"error": err.Error()})
	if merr != nil {
		return
	}
	if werr := conn.WriteMessage(websocket.TextMessage, payload); werr != nil {
		klog.V(2).Infof("writing error frame: %v", werr)
	}
}

// serveMetrics writes Prometheus-format metrics to the HTTP response.
func (s *Server) serveMetrics(w http.ResponseWriter, r *http.Request) {
	st := s.rt.Snapshot()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP npud_submitted_total Jobs accepted by the submitter\n")
	fmt.Fprintf(w, "# TYPE npud_submitted_total counter\n")
	fmt.Fprintf(w, "npud_submitted_total{node=%q} %d\n", s.nodeID, st.Submitted)
	fmt.Fprintf(w, "# HELP npud_finished_total Jobs completed by the device\n")
	fmt.Fprintf(w, "# TYPE npud_finished_total counter\n")
	fmt.Fprintf(w, "npud_finished_total{node=%q} %d\n", s.nodeID, st.Finished)
	fmt.Fprintf(w, "# HELP npud_delivered_total Results handed to consumers\n")
	fmt.Fprintf(w, "# TYPE npud_delivered_total counter\n")
	fmt.Fprintf(w, "npud_delivered_total{node=%q} %d\n", s.nodeID, st.Delivered)
	fmt.Fprintf(w, "# HELP npud_failed_total Jobs rejected or faulted\n")
	fmt.Fprintf(w, "# TYPE npud_failed_total counter\n")
	fmt.Fprintf(w, "npud_failed_total{node=%q} %d\n", s.nodeID, st.Failed)
	fmt.Fprintf(w, "# HELP npud_dropped_total Jobs discarded during shutdown\n")
	fmt.Fprintf(w, "# TYPE npud_dropped_total counter\n")
	fmt.Fprintf(w, "npud_dropped_total{node=%q} %d\n", s.nodeID, st.Dropped)
	fmt.Fprintf(w, "# HELP npud_in_flight_depth Jobs queued for the completion worker\n")
	fmt.Fprintf(w, "# TYPE npud_in_flight_depth gauge\n")
	fmt.Fprintf(w, "npud_in_flight_depth{node=%q} %d\n", s.nodeID, st.InFlightDepth)
	fmt.Fprintf(w, "# HELP npud_pending_results Completed jobs awaiting receive\n")
	fmt.Fprintf(w, "# TYPE npud_pending_results gauge\n")
	fmt.Fprintf(w, "npud_pending_results{node=%q} %d\n", s.nodeID, st.PendingResults)
	fmt.Fprintf(w, "# HELP npud_scratch_available Pooled scratch buffers\n")
	fmt.Fprintf(w, "# TYPE npud_scratch_available gauge\n")
	fmt.Fprintf(w, "npud_scratch_available{node=%q} %d\n", s.nodeID, st.PoolAvailable)
	fmt.Fprintf(w, "# HELP npud_scratch_checked_out Scratch buffers riding the pipeline\n")
	fmt.Fprintf(w, "# TYPE npud_scratch_checked_out gauge\n")
	fmt.Fprintf(w, "npud_scratch_checked_out{node=%q} %d\n", s.nodeID, st.PoolCheckedOut)
}
