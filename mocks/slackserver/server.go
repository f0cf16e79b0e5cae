// Package slackserver is a fake of the Slack Web API and Socket Mode
// endpoints this app talks to. It records every call in order and can be
// told to fail individual methods.
package slackserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 10 * time.Second
	maxMessageSize = 1 << 16
)

// Methods served under /api/.
const (
	MethodPostMessage     = "chat.postMessage"
	MethodUpdate          = "chat.update"
	MethodCompleteSuccess = "functions.completeSuccess"
	MethodCompleteError   = "functions.completeError"
	MethodConnectionsOpen = "apps.connections.open"
)

// Call is one Web API request as the server saw it. JSON object values are
// kept as their JSON text.
type Call struct {
	Method string
	Token  string
	Params map[string]string
	Raw    []byte
}

// Server is an httptest server. Use APIURL with slack.OptionAPIURL.
type Server struct {
	srv *httptest.Server

	mu        sync.Mutex
	calls     []Call
	failures  map[string]string
	acks      []string
	clients   map[*client]bool
	connected chan struct{}
	ts        int
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// New starts a Server. Close it when done.
func New() *Server {
	s := &Server{
		failures:  make(map[string]string),
		clients:   make(map[*client]bool),
		connected: make(chan struct{}, 16),
	}
	r := mux.NewRouter()
	r.Handle("/api/"+MethodConnectionsOpen, Handler{Env: s, H: connectionsOpenHandler}).Methods(http.MethodPost)
	r.Handle("/api/{method}", Handler{Env: s, H: methodHandler}).Methods(http.MethodPost)
	r.Handle("/ws", Handler{Env: s, H: wsHandler})
	s.srv = httptest.NewServer(r)
	return s
}

// URL is the base URL of the server.
func (s *Server) URL() string {
	return s.srv.URL
}

// APIURL is the Web API base, including the trailing slash slack-go expects.
func (s *Server) APIURL() string {
	return s.srv.URL + "/api/"
}

// Close drops every socket and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
	s.srv.Close()
}

// Fail makes every later call to method answer {"ok":false,"error":code}.
func (s *Server) Fail(method, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = code
}

// Calls returns every recorded Web API call, oldest first.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsTo returns the recorded calls to one method.
func (s *Server) CallsTo(method string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Methods returns the method of every recorded call, oldest first.
func (s *Server) Methods() []string {
	var out []string
	for _, c := range s.Calls() {
		out = append(out, c.Method)
	}
	return out
}

// Acks returns the envelope ids acknowledged over the socket.
func (s *Server) Acks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acks...)
}

// WaitForConnection blocks until a socket connects or timeout passes.
func (s *Server) WaitForConnection(timeout time.Duration) bool {
	select {
	case <-s.connected:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Push sends a Socket Mode envelope to every connected socket.
func (s *Server) Push(envelope []byte) error {
	clients := s.connectedClients()
	if len(clients) == 0 {
		return fmt.Errorf("slackserver: no socket connected")
	}
	for _, c := range clients {
		select {
		case c.send <- envelope:
		case <-c.done:
		}
	}
	return nil
}

func (s *Server) connectedClients() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	return clients
}

// PushEnvelope wraps payload in a Socket Mode envelope and pushes it.
func (s *Server) PushEnvelope(envelopeID, typ string, payload interface{}) error {
	b, err := json.Marshal(map[string]interface{}{
		"envelope_id":              envelopeID,
		"type":                     typ,
		"payload":                  payload,
		"accepts_response_payload": false,
	})
	if err != nil {
		return err
	}
	return s.Push(b)
}

func (s *Server) record(c Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
}

func (s *Server) failure(method string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[method]
}

func (s *Server) nextTS() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ts++
	return fmt.Sprintf("1700000000.%06d", s.ts)
}

func writeJSON(w http.ResponseWriter, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(v)
}

func readCall(method string, r *http.Request) (Call, error) {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return Call{}, StatusError{Code: http.StatusBadRequest, Err: err}
	}
	c := Call{Method: method, Raw: b, Params: make(map[string]string)}
	c.Token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if len(b) == 0 {
			return c, nil
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(b, &obj); err != nil {
			return Call{}, StatusError{Code: http.StatusBadRequest, Err: err}
		}
		for k, v := range obj {
			var str string
			if err := json.Unmarshal(v, &str); err == nil {
				c.Params[k] = str
				continue
			}
			c.Params[k] = string(v)
		}
		return c, nil
	}

	values, err := url.ParseQuery(string(b))
	if err != nil {
		return Call{}, StatusError{Code: http.StatusBadRequest, Err: err}
	}
	for k := range values {
		c.Params[k] = values.Get(k)
	}
	if c.Token == "" {
		c.Token = c.Params["token"]
	}
	return c, nil
}

func connectionsOpenHandler(e interface{}, w http.ResponseWriter, r *http.Request) error {
	s := e.(*Server)
	c, err := readCall(MethodConnectionsOpen, r)
	if err != nil {
		return err
	}
	s.record(c)
	if code := s.failure(MethodConnectionsOpen); code != "" {
		return writeJSON(w, map[string]interface{}{"ok": false, "error": code})
	}
	return writeJSON(w, map[string]interface{}{
		"ok":  true,
		"url": "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws",
	})
}

func methodHandler(e interface{}, w http.ResponseWriter, r *http.Request) error {
	s := e.(*Server)
	method := mux.Vars(r)["method"]
	c, err := readCall(method, r)
	if err != nil {
		return err
	}
	s.record(c)
	if code := s.failure(method); code != "" {
		return writeJSON(w, map[string]interface{}{"ok": false, "error": code})
	}

	switch method {
	case MethodPostMessage:
		return writeJSON(w, map[string]interface{}{
			"ok":      true,
			"channel": c.Params["channel"],
			"ts":      s.nextTS(),
			"message": map[string]interface{}{"text": c.Params["text"]},
		})
	case MethodUpdate:
		return writeJSON(w, map[string]interface{}{
			"ok":      true,
			"channel": c.Params["channel"],
			"ts":      c.Params["ts"],
			"text":    c.Params["text"],
		})
	case MethodCompleteSuccess, MethodCompleteError:
		return writeJSON(w, map[string]interface{}{"ok": true})
	default:
		return writeJSON(w, map[string]interface{}{"ok": false, "error": "unknown_method"})
	}
}

func wsHandler(e interface{}, w http.ResponseWriter, r *http.Request) error {
	s := e.(*Server)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		return nil
	}
	c := &client{conn: conn, send: make(chan []byte, 256), done: make(chan struct{})}

	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	c.send <- hello()
	go s.writePump(c)
	go s.readPump(c)

	select {
	case s.connected <- struct{}{}:
	default:
	}
	return nil
}

// readPump records acknowledgements until the socket closes.
func (s *Server) readPump(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		close(c.done)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ack struct {
			EnvelopeID string `json:"envelope_id"`
		}
		if err := json.Unmarshal(message, &ack); err != nil || ack.EnvelopeID == "" {
			continue
		}
		s.mu.Lock()
		s.acks = append(s.acks, ack.EnvelopeID)
		s.mu.Unlock()
	}
}

// writePump is the only writer on c.conn.
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func hello() []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"type":            "hello",
		"num_connections": 1,
		"connection_info": map[string]string{"app_id": "A0MOCK"},
		"debug_info":      map[string]interface{}{"host": "slackserver", "approximate_connection_time": 3600},
	})
	return b
}
