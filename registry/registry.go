// Package registry implements the process-wide path -> ListeningServer
// mapping and each listener's pending-connection FIFO.
package registry

import (
	"container/list"
	"sync"
	"syscall"

	atomicx "github.com/nabbar/libos-unixsock/atomic"
)

// Conn is the minimal surface the registry needs from an accepted-but-not-
// yet-delivered connection. *stream.Socket satisfies this.
type Conn interface{}

// ListeningServer holds the FIFO of pending connections for one bound path.
type ListeningServer struct {
	path string

	mu      sync.Mutex
	pending *list.List
}

// Path returns the bound path this server was created for.
func (s *ListeningServer) Path() string {
	return s.path
}

// PushPending enqueues an accepted-but-undelivered connection.
func (s *ListeningServer) PushPending(c Conn) {
	s.mu.Lock()
	s.pending.PushBack(c)
	s.mu.Unlock()
}

// PopPending dequeues the oldest pending connection, or ok=false if empty.
// Always non-blocking.
func (s *ListeningServer) PopPending() (c Conn, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.pending.Front()
	if e == nil {
		return nil, false
	}
	s.pending.Remove(e)
	return e.Value, true
}

// Registry is the process-wide synchronized path -> ListeningServer map.
type Registry struct {
	servers atomicx.MapTyped[string, *ListeningServer]
	mu      sync.Mutex // guards the create/check-then-insert critical section
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{
		servers: atomicx.NewMapTyped[string, *ListeningServer](),
	}
}

// CreateServer atomically inserts a new ListeningServer for path. EADDRINUSE
// if one already exists.
func (r *Registry) CreateServer(path string) (*ListeningServer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.servers.Load(path); ok {
		return nil, syscall.EADDRINUSE
	}

	s := &ListeningServer{path: path, pending: list.New()}
	r.servers.Store(path, s)
	return s, nil
}

// GetServer returns the ListeningServer bound to path, if any.
func (r *Registry) GetServer(path string) (*ListeningServer, bool) {
	return r.servers.Load(path)
}

// RemoveServer unconditionally erases the entry for path.
func (r *Registry) RemoveServer(path string) {
	r.servers.Delete(path)
}

// Len reports the number of currently registered listeners, for metrics.
func (r *Registry) Len() int {
	n := 0
	r.servers.Range(func(_ string, _ *ListeningServer) bool {
		n++
		return true
	})
	return n
}
