// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, room queries and the built-in test page.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Lina4Life/passionart-sub000/internal/message"
	"github.com/Lina4Life/passionart-sub000/internal/presence"
)

// WebSocketHandler upgrades GET requests on the websocket endpoint and hands
// the new client to the Run loop.
func (s *SessionServer) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	var (
		identity Identity
		known    bool
	)
	if s.identity != nil {
		identity, known = s.identity.Identify(r)
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.policy.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(presence.ConnID(uuid.NewString()), conn, s, r.RemoteAddr, s.cfg.Chat.SendBuffer)
	client.identity, client.known = identity, known

	if !s.registerClient(client) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Chat server is running!")
}

// MessagesHandler serves GET /rooms/{room}/messages?limit=N&before=RFC3339.
func (s *SessionServer) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			http.Error(w, "before must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		before = t
	}

	msgs, err := s.gateway.ListRecent(r.Context(), room, limit, before)
	if err != nil {
		s.log.Error().Err(err).Str("room", room).Msg("history query failed")
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, struct {
		Room     string            `json:"room"`
		Messages []message.Message `json:"messages"`
	}{Room: room, Messages: msgs})
}

// UsersHandler serves GET /rooms/{room}/users with the room's roster.
func (s *SessionServer) UsersHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.coord.Roster(r.PathValue("room")))
}

// StatsHandler serves GET /stats.
func (s *SessionServer) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.Stats())
}

func (s *SessionServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("error writing JSON response")
	}
}

// TestPageHandler serves an HTML page for trying the chat protocol from a
// browser.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Chat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 160px; padding: 5px; margin-right: 6px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        #users { color: #155724; margin: 6px 0; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Chat WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="name" placeholder="Name">
        <input type="text" id="room" placeholder="Room" value="general">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div id="users"></div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        let ref = 0;
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');
        const usersDiv = document.getElementById('users');

        function addLine(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function room() { return document.getElementById('room').value.trim(); }

        function send(event, data) {
            ref++;
            ws.send(JSON.stringify({event: event, ref: String(ref), data: data}));
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
            if (!connected) { usersDiv.textContent = ''; }
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');

            ws.onopen = function() {
                updateStatus(true);
                const name = document.getElementById('name').value.trim() || 'guest';
                send('user-online', {name: name, room: room()});
            };

            ws.onmessage = function(event) {
                const frame = JSON.parse(event.data);
                const data = frame.data || {};
                if (frame.event === 'online-users') {
                    usersDiv.textContent = data.room + ': ' + data.users.map(u => u.name).join(', ');
                } else if (frame.event === 'new-message') {
                    addLine((data.sender.name || 'anonymous') + ': ' + data.body, 'green');
                } else if (frame.event === 'user-typing') {
                    addLine((data.sender.name || 'someone') + ' is typing...');
                } else if (frame.event === 'error') {
                    addLine('error ' + data.code + ': ' + data.message, 'red');
                }
            };

            ws.onclose = function() {
                addLine('Connection closed');
                updateStatus(false);
                ws = null;
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                send('logout', {});
            } else {
                connect();
            }
        }

        function sendMessage() {
            const body = messageInput.value.trim();
            if (body && ws && ws.readyState === WebSocket.OPEN) {
                send('send-message', {room: room(), body: body});
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            } else if (ws && ws.readyState === WebSocket.OPEN) {
                send('typing', {room: room()});
            }
        });
    </script>
</body>
</html>`
