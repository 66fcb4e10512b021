// Copyright (C) 2025 Josh Simonot
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package dashboard

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"espdash/internal/command"
	"espdash/pkg/logger"

	"github.com/gorilla/websocket"
)

//go:embed www/dashboard.html
var dashboardHTML []byte

type Request struct {
	Command   string  `json:"command"`
	Relay     int     `json:"relay,omitempty"`
	Enabled   bool    `json:"enabled,omitempty"`
	Threshold string  `json:"threshold,omitempty"`
	Value     float64 `json:"value,omitempty"`
}

// Message is sent to clients: either a state update or the outcome of
// one of their own requests.
type Message struct {
	Type    string `json:"type"`
	View    *View  `json:"view,omitempty"`
	Command string `json:"command,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ClientSync struct {
	clients map[*websocket.Conn]bool
	mutex   sync.Mutex
}

func newClientSync() *ClientSync {
	return &ClientSync{clients: make(map[*websocket.Conn]bool)}
}

func (c *ClientSync) broadcast(msg Message, log *logger.Logger) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error("failed to marshal broadcast: %v", err)
		return
	}
	pm, err := websocket.NewPreparedMessage(websocket.TextMessage, data)
	if err != nil {
		log.Error("failed to prepare message: %v", err)
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	for ws := range c.clients {
		if err := ws.WritePreparedMessage(pm); err != nil {
			log.Error("failed to write message: %v", err)
			ws.Close()
			delete(c.clients, ws)
		}
	}
}

// send writes to a single client. Writes share the broadcast lock since a
// connection allows only one writer at a time.
func (c *ClientSync) send(ws *websocket.Conn, msg Message) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return ws.WriteJSON(msg)
}

func (c *ClientSync) add(ws *websocket.Conn) {
	c.mutex.Lock()
	c.clients[ws] = true
	c.mutex.Unlock()
}

func (c *ClientSync) remove(ws *websocket.Conn) {
	c.mutex.Lock()
	delete(c.clients, ws)
	c.mutex.Unlock()
}

func (c *ClientSync) count() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.clients)
}

func (c *ClientSync) closeAll() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for ws := range c.clients {
		ws.Close()
		delete(c.clients, ws)
	}
}

func (s *Service) buildHTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.serveRoot)
	mux.HandleFunc("GET /api/state", s.serveState)
	mux.HandleFunc("POST /api/command", s.serveCommand)
	mux.HandleFunc("/ws", s.serveWebSockets())
	return mux
}

func (s *Service) serveRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(dashboardHTML)
}

func (s *Service) serveState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.View())
}

func (s *Service) serveCommand(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Message{Type: "reply", Error: err.Error()})
		return
	}
	if err := s.Handle(r.Context(), req); err != nil {
		writeJSON(w, statusFor(err), Message{Type: "reply", Command: req.Command, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, Message{Type: "state", View: ptr(s.View())})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, command.ErrInvalidArgument):
		return http.StatusBadRequest
	case command.IsInvalidState(err):
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Service) serveWebSockets() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			s.log.Debug("checking origin: %s", origin)
			if origin == "" {
				return false
			}
			if strings.Contains(origin, "localhost") {
				return true
			}
			return strings.Contains(origin, r.Host)
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Error("failed to upgrade websocket: %v", err)
			return
		}
		s.clients.add(ws)
		defer func() {
			s.clients.remove(ws)
			ws.Close()
		}()

		if err := s.clients.send(ws, Message{Type: "state", View: ptr(s.View())}); err != nil {
			s.log.Error("failed initial write: %v", err)
			return
		}

		// requests outlive the connection; the transport timeout bounds them
		ctx := context.WithoutCancel(r.Context())
		for {
			var req Request
			if err := ws.ReadJSON(&req); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					break
				}
				s.log.Error("failed ws ReadJSON: %v", err)
				break
			}
			s.log.Debug("msg from client: %+v", req)
			go s.reply(ctx, ws, req)
		}
	}
}

func (s *Service) reply(ctx context.Context, ws *websocket.Conn, req Request) {
	err := s.Handle(ctx, req)
	if err == nil {
		return
	}
	s.log.Debug("%s failed: %v", req.Command, err)
	if werr := s.clients.send(ws, Message{Type: "reply", Command: req.Command, Error: err.Error()}); werr != nil {
		s.log.Debug("reply write failed: %v", werr)
	}
}
