package smbproxy

import (
	"fmt"
	"strings"
	"sync"
)

// ConnectionPersister stores connections outside the process. It mirrors
// the in-memory list; nothing read back after load changes the list.
type ConnectionPersister interface {
	SaveConnection(conn Connection) error
	DeleteConnection(id string) error
	LoadConnections() ([]Connection, error)
}

// ConnectionList is the ordered set of configured connections. Every
// mutation is applied in memory first and then written to the persister.
type ConnectionList struct {
	mu        sync.RWMutex
	conns     []Connection
	persister ConnectionPersister
}

// NewConnectionList creates a list seeded with conns. persister may be nil.
func NewConnectionList(persister ConnectionPersister, conns ...Connection) (*ConnectionList, error) {
	l := &ConnectionList{persister: persister}
	for _, c := range conns {
		c.setDefaults()
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("connection %q: %w", c.ID, err)
		}
		if l.index(c.ID) >= 0 {
			return nil, fmt.Errorf("%w: duplicate connection id %q", ErrInvalidConfig, c.ID)
		}
		l.conns = append(l.conns, c)
	}
	return l, nil
}

// LoadConnectionList creates a list from the persister's stored connections.
func LoadConnectionList(persister ConnectionPersister) (*ConnectionList, error) {
	conns, err := persister.LoadConnections()
	if err != nil {
		return nil, fmt.Errorf("load connections: %w", err)
	}
	return NewConnectionList(persister, conns...)
}

// index returns the position of id. Caller must hold l.mu.
func (l *ConnectionList) index(id string) int {
	for i := range l.conns {
		if l.conns[i].ID == id {
			return i
		}
	}
	return -1
}

// All returns a copy of the connections in list order.
func (l *ConnectionList) All() []Connection {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Connection, len(l.conns))
	copy(out, l.conns)
	return out
}

// Get returns the connection with the given id.
func (l *ConnectionList) Get(id string) (Connection, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i := l.index(id); i >= 0 {
		return l.conns[i], true
	}
	return Connection{}, false
}

// Put adds conn or replaces the connection with the same ID, then persists
// it. The previous value is returned when one was replaced.
func (l *ConnectionList) Put(conn Connection) (prev *Connection, err error) {
	if conn.ID == "" {
		return nil, fmt.Errorf("%w: connection id is required", ErrInvalidConfig)
	}
	conn.setDefaults()
	if err := conn.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if i := l.index(conn.ID); i >= 0 {
		old := l.conns[i]
		prev = &old
		l.conns[i] = conn
	} else {
		l.conns = append(l.conns, conn)
	}
	l.mu.Unlock()

	if l.persister != nil {
		if err := l.persister.SaveConnection(conn); err != nil {
			return prev, fmt.Errorf("persist connection %q: %w", conn.ID, err)
		}
	}
	return prev, nil
}

// Delete removes the connection with the given id and persists the removal.
func (l *ConnectionList) Delete(id string) (Connection, bool, error) {
	l.mu.Lock()
	i := l.index(id)
	if i < 0 {
		l.mu.Unlock()
		return Connection{}, false, nil
	}
	removed := l.conns[i]
	l.conns = append(l.conns[:i:i], l.conns[i+1:]...)
	l.mu.Unlock()

	if l.persister != nil {
		if err := l.persister.DeleteConnection(id); err != nil {
			return removed, true, fmt.Errorf("persist deletion of %q: %w", id, err)
		}
	}
	return removed, true, nil
}

// Resolve returns the connection serving uri. Hosts compare
// case-insensitively; among connections for the same host the one whose
// share and port match wins, then list order.
func (l *ConnectionList) Resolve(uri *URI) (Connection, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	port := uri.Port
	if port == 0 {
		port = defaultPort
	}

	best, bestScore := -1, -1
	for i := range l.conns {
		c := &l.conns[i]
		if !strings.EqualFold(c.Host, uri.Host) {
			continue
		}

		score := 0
		if uri.Share != "" && strings.EqualFold(c.Share, uri.Share) {
			score += 2
		}
		if c.Port == port {
			score++
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}

	if best < 0 {
		return Connection{}, &ResolutionError{URI: uri.String(), Host: uri.Host}
	}
	return l.conns[best], nil
}
