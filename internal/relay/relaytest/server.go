// Package relaytest provides an in-process Nostr relay for tests.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"nostr-publisher/internal/types"
)

// Mode controls how the relay answers EVENT messages
type Mode int

const (
	Accept Mode = iota
	Reject
	Silent
)

type wireFilter struct {
	IDs     []string `json:"ids"`
	Authors []string `json:"authors"`
	Kinds   []int    `json:"kinds"`
	P       []string `json:"#p"`
	Since   *int64   `json:"since"`
}

func (f wireFilter) matches(evt types.Event) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !contains(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			ok = ok || k == evt.Kind
		}
		if !ok {
			return false
		}
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if len(f.P) > 0 {
		ok := false
		for _, tag := range evt.Tags {
			if len(tag) >= 2 && tag[0] == "p" && contains(f.P, tag[1]) {
				ok = true
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	mu      sync.Mutex
	subs    map[string]wireFilter
}

func (c *conn) send(v interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.WriteJSON(v)
}

// Server is a relay listening on a loopback address
type Server struct {
	URL string

	http     *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	mode      Mode
	stored    []types.Event
	published []types.Event
	reqs      []string
	closes    []string
	conns     map[*conn]struct{}
	hook      func(evt types.Event)
}

// NewServer starts a relay that accepts every event
func NewServer() *Server {
	s := &Server{conns: make(map[*conn]struct{})}
	s.http = httptest.NewServer(http.HandlerFunc(s.handle))
	s.URL = "ws" + strings.TrimPrefix(s.http.URL, "http")
	return s
}

func (s *Server) SetMode(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
}

// OnEvent registers fn to run for every accepted event after OK is sent
func (s *Server) OnEvent(fn func(evt types.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

// Store adds evt to the backlog replayed to new subscriptions
func (s *Server) Store(evt types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, evt)
}

// Broadcast stores evt and sends it to every matching live subscription
func (s *Server) Broadcast(evt types.Event) {
	s.mu.Lock()
	s.stored = append(s.stored, evt)
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		var ids []string
		for id, f := range c.subs {
			if f.matches(evt) {
				ids = append(ids, id)
			}
		}
		c.mu.Unlock()
		for _, id := range ids {
			c.send([]interface{}{"EVENT", id, evt})
		}
	}
}

// Published returns every EVENT received, in arrival order
func (s *Server) Published() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Event(nil), s.published...)
}

// Requests returns the ids of every REQ received
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reqs...)
}

// Closes returns the ids of every CLOSE received
func (s *Server) Closes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.closes...)
}

// DropConnections closes every client connection without a close frame
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[*conn]struct{})
	s.mu.Unlock()
	for c := range conns {
		c.ws.Close()
	}
}

func (s *Server) Close() {
	s.DropConnections()
	s.http.Close()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws, subs: make(map[string]wireFilter)}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		ws.Close()
	}()

	for {
		var msg []json.RawMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		if len(msg) < 2 {
			continue
		}
		var verb string
		json.Unmarshal(msg[0], &verb)

		switch verb {
		case "EVENT":
			var evt types.Event
			if err := json.Unmarshal(msg[1], &evt); err != nil {
				continue
			}
			s.handleEvent(c, evt)

		case "REQ":
			if len(msg) < 3 {
				continue
			}
			var subID string
			var f wireFilter
			json.Unmarshal(msg[1], &subID)
			json.Unmarshal(msg[2], &f)

			c.mu.Lock()
			c.subs[subID] = f
			c.mu.Unlock()

			s.mu.Lock()
			s.reqs = append(s.reqs, subID)
			backlog := append([]types.Event(nil), s.stored...)
			s.mu.Unlock()

			for _, evt := range backlog {
				if f.matches(evt) {
					c.send([]interface{}{"EVENT", subID, evt})
				}
			}
			c.send([]interface{}{"EOSE", subID})

		case "CLOSE":
			var subID string
			json.Unmarshal(msg[1], &subID)
			c.mu.Lock()
			delete(c.subs, subID)
			c.mu.Unlock()
			s.mu.Lock()
			s.closes = append(s.closes, subID)
			s.mu.Unlock()
		}
	}
}

func (s *Server) handleEvent(c *conn, evt types.Event) {
	s.mu.Lock()
	s.published = append(s.published, evt)
	mode := s.mode
	hook := s.hook
	s.mu.Unlock()

	switch mode {
	case Silent:
		return
	case Reject:
		c.send([]interface{}{"OK", evt.ID, false, "blocked: test relay rejects everything"})
		return
	}

	c.send([]interface{}{"OK", evt.ID, true, ""})
	s.Broadcast(evt)
	if hook != nil {
		hook(evt)
	}
}
