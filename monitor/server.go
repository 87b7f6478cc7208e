// SKSTACK-IP搭載Wi-SUNモジュールを使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>

// 瞬時電力計測値をHTTPで公開する
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ak1211/smartmeter-route-b/echonetlite"
	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Server struct {
	logger  *slog.Logger
	metrics *Metrics
	handler http.Handler

	mu        sync.RWMutex
	latest    *echonetlite.TelemetrySample
	connected bool
	clients   map[*websocket.Conn]*sync.Mutex
}

func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	reg := NewRegistry()
	s := &Server{
		logger:  logger,
		metrics: NewMetrics(reg),
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/latest", s.handleLatest)
	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.Handle("/metrics", MetricsHandler(reg))
	s.handler = mux
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// 計測値を記録して全てのwebsocketクライアントに送る
func (s *Server) Publish(sample echonetlite.TelemetrySample) {
	s.mu.Lock()
	s.latest = &sample
	s.mu.Unlock()
	s.metrics.InstantaneousWatts.Set(float64(sample.InstantaneousWatts))
	s.metrics.SamplesTotal.Inc()

	message, err := json.Marshal(sample)
	if err != nil {
		s.logger.Error("json.Marshal", "err", err)
		return
	}
	s.mu.RLock()
	clients := make(map[*websocket.Conn]*sync.Mutex, len(s.clients))
	for conn, lock := range s.clients {
		clients[conn] = lock
	}
	s.mu.RUnlock()
	for conn, lock := range clients {
		if err := writeMessage(conn, lock, message); err != nil {
			s.logger.Debug("websocket", "err", err)
			s.removeClient(conn)
		}
	}
}

func (s *Server) SetConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	s.mu.Unlock()
	if connected {
		s.metrics.SessionConnected.Set(1)
	} else {
		s.metrics.SessionConnected.Set(0)
	}
}

// 受信チャネルが閉じるかctxが終わるまで配る
func (s *Server) Run(ctx context.Context, samples <-chan echonetlite.TelemetrySample, status <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-samples:
			if !ok {
				return
			}
			s.Publish(sample)
		case connected, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			s.SetConnected(connected)
		}
	}
}

// ctxが終わったらサーバーを止める
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		s.closeClients()
	}()
	s.logger.Info("monitor", slog.String("listen", address))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"message":   "Smart meter route B monitor",
		"connected": connected,
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	latest := s.latest
	s.mu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	if latest == nil {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "No readings available yet",
		})
		return
	}
	json.NewEncoder(w).Encode(latest)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "err", err)
		return
	}
	lock := &sync.Mutex{}
	s.mu.Lock()
	s.clients[conn] = lock
	latest := s.latest
	s.mu.Unlock()
	s.metrics.WebsocketClients.Inc()

	// 最新の計測値があればすぐ送る
	if latest != nil {
		if message, err := json.Marshal(latest); err == nil {
			if err := writeMessage(conn, lock, message); err != nil {
				s.removeClient(conn)
				return
			}
		}
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.removeClient(conn)
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	_, found := s.clients[conn]
	delete(s.clients, conn)
	s.mu.Unlock()
	if found {
		s.metrics.WebsocketClients.Dec()
		conn.Close()
	}
}

func (s *Server) closeClients() {
	s.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()
	for _, conn := range conns {
		s.removeClient(conn)
	}
}

func writeMessage(conn *websocket.Conn, lock *sync.Mutex, message []byte) error {
	lock.Lock()
	defer lock.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, message)
}
