package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fourstroke/ecucore/internal/config"
)

// Frame is the JSON structure broadcast to every connected diagnostic
// client on every Broadcast call (CoreController calls it once per tooth
// event; the CSV logger's everyN throttle does not apply to the websocket
// send), per spec.md §6's "Telemetry
// counters exposed for test": sync state, limp mode, the late/rearm/
// persistence-drop counters, and jitter avg/min/max over the sliding
// window.
type Frame struct {
	Stamp          int64   `json:"stamp"` // unix ms
	RPM            uint32  `json:"rpm"`
	SyncState      string  `json:"syncState"`
	LimpMode       bool    `json:"limpMode"`
	PulseWidthUs   uint32  `json:"pulseWidthUs"`
	AdvanceDegX10  int32   `json:"advanceDegX10"`
	STFT           float64 `json:"stft"`
	LTFT           float64 `json:"ltft"`
	CltC           int16   `json:"cltC"`
	VBatDv         uint16  `json:"vbatDv"`
	Late           uint64  `json:"late"`
	RearmCollision uint64  `json:"rearmCollision"`
	StaleSensor    uint64  `json:"staleSensor"`
	PersistDrops   uint64  `json:"persistenceDrops"`
	JitterAvgUs    uint32  `json:"jitterAvgUs"`
	JitterMinUs    uint32  `json:"jitterMinUs"`
	JitterMaxUs    uint32  `json:"jitterMaxUs"`
}

// Server serves the embedded diagnostic page, broadcasts Frame snapshots
// to websocket clients, and exposes the config deep-merge update API,
// grounded directly on the teacher's server.Server (wsClient/clients map/
// broadcast/Upgrader) with the GPS/odometer surface dropped — this core
// has no GPS input.
type Server struct {
	cfg   *config.Config
	webFS fs.FS
	log   *Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	onConfigUpdate func()
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// New builds a Server. onConfigUpdate, if non-nil, is called after a
// successful POST /api/config so the caller can re-read tunables into
// live components (e.g. Scheduler.SetClosedLoopEnabled).
func New(cfg *config.Config, webFS fs.FS, logger *Logger, onConfigUpdate func()) *Server {
	return &Server{
		cfg:     cfg,
		webFS:   webFS,
		log:     logger,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		onConfigUpdate: onConfigUpdate,
	}
}

// Run starts the HTTP server until ctx is cancelled.
func (s *Server) Run(ctx context.Context, listenAddr string) error {
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)

	srv := &http.Server{Addr: listenAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		s.log.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[telemetry] listening on %s", listenAddr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Broadcast sends frame to every connected client and records it through
// the CSV logger.
func (s *Server) Broadcast(frame Frame) {
	s.log.Record(Row{
		RPM:            frame.RPM,
		SyncState:      frame.SyncState,
		LimpMode:       frame.LimpMode,
		PulseWidthUs:   frame.PulseWidthUs,
		AdvanceDegX10:  frame.AdvanceDegX10,
		STFT:           frame.STFT,
		LTFT:           frame.LTFT,
		CLTC:           frame.CltC,
		VBatDv:         frame.VBatDv,
		Late:           frame.Late,
		RearmCollision: frame.RearmCollision,
		StaleSensor:    frame.StaleSensor,
		PersistDrops:   frame.PersistDrops,
		JitterAvg:      frame.JitterAvgUs,
		JitterMin:      frame.JitterMinUs,
		JitterMax:      frame.JitterMaxUs,
	})

	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, drop this frame for it.
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[telemetry] ws upgrade error: %v", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 64)}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[telemetry] client connected (%d total)", n)

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[telemetry] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[telemetry] config save failed: %v", err)
		}
		if s.onConfigUpdate != nil {
			s.onConfigUpdate()
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}
