// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kadirpekel/penguin/pkg/bus"
	"github.com/kadirpekel/penguin/pkg/protocol"
	"github.com/kadirpekel/penguin/pkg/streaming"
)

// handleStream runs one chat turn, emitting the streaming events as
// server-sent events in chronological order.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming is not supported by this connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var mu sync.Mutex
	sink := func(event streaming.Event) {
		mu.Lock()
		defer mu.Unlock()
		data, err := json.Marshal(event)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
		flusher.Flush()
	}

	_, err := s.core.StreamChat(r.Context(), chi.URLParam(r, "agentID"), req.Input, sink)
	if err != nil {
		// The stream.error event already went out where applicable;
		// close with a terminal error frame for transport-level
		// failures.
		data, _ := json.Marshal(map[string]any{"error": err.Error()})
		mu.Lock()
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", streaming.EventError, data)
		flusher.Flush()
		mu.Unlock()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The runtime sits behind the deployment's own origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame is one event frame on the WebSocket feed.
type wsFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// handleEventsWS subscribes the client to bus traffic. Messages to
// the reserved "human" recipient and channel traffic both surface
// here. Query params narrow the filter: ?channel=..., ?sender=...
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	filter := bus.Filter{
		Channel: r.URL.Query().Get("channel"),
		Sender:  r.URL.Query().Get("sender"),
	}
	if filter.Channel == "" && filter.Sender == "" {
		filter.Recipient = protocol.RecipientHuman
	}

	// Bounded intake: the bus publishes synchronously, so a slow
	// socket must not stall publishers. Overflow drops for this
	// subscriber only.
	events := make(chan protocol.BusMessage, 256)
	sub := s.core.Bus().Subscribe(filter, func(msg protocol.BusMessage) {
		select {
		case events <- msg:
		default:
			slog.Warn("Dropping bus message for slow WebSocket subscriber",
				"recipient", msg.Recipient)
		}
	})
	defer s.core.Bus().Unsubscribe(sub)

	// Reader goroutine: only to detect close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case msg := <-events:
			if err := conn.WriteJSON(wsFrame{Event: "bus.message", Data: msg}); err != nil {
				return
			}
		}
	}
}
