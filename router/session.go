package router

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// aggregateNamespace scopes sessions created through "/" and "/mcp".
const aggregateNamespace = "*"

type Session struct {
	ID              string    `json:"id"`
	Namespace       string    `json:"namespace"`
	ProtocolVersion string    `json:"protocolVersion"`
	Created         time.Time `json:"created"`
}

type sessionStore struct {
	m    sync.Mutex
	byID map[string]*Session
}

func newSessionStore() *sessionStore {
	return &sessionStore{byID: map[string]*Session{}}
}

func (s *sessionStore) create(namespace, protocolVersion string) *Session {
	sess := &Session{
		ID:              uuid.NewString(),
		Namespace:       namespace,
		ProtocolVersion: protocolVersion,
		Created:         time.Now(),
	}
	s.m.Lock()
	defer s.m.Unlock()
	s.byID[sess.ID] = sess
	return sess
}

// get returns the session only if it belongs to namespace.
func (s *sessionStore) get(id, namespace string) (*Session, bool) {
	s.m.Lock()
	defer s.m.Unlock()
	sess, ok := s.byID[id]
	if !ok || sess.Namespace != namespace {
		return nil, false
	}
	return sess, true
}

func (s *sessionStore) remove(id, namespace string) bool {
	s.m.Lock()
	defer s.m.Unlock()
	sess, ok := s.byID[id]
	if !ok || sess.Namespace != namespace {
		return false
	}
	delete(s.byID, id)
	return true
}

func (s *sessionStore) count(namespace string) int {
	s.m.Lock()
	defer s.m.Unlock()
	n := 0
	for _, sess := range s.byID {
		if sess.Namespace == namespace {
			n++
		}
	}
	return n
}

// retain drops every session whose namespace is neither the aggregate one nor in keep.
func (s *sessionStore) retain(keep map[string]bool) {
	s.m.Lock()
	defer s.m.Unlock()
	for id, sess := range s.byID {
		if sess.Namespace != aggregateNamespace && !keep[sess.Namespace] {
			delete(s.byID, id)
		}
	}
}
