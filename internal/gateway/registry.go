package gateway

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Registry interface {
	Register(connection *Connection) error
	Remove(connectionId string)
	Get(connectionId string) (*Connection, bool)
	FindByProject(projectId string) []*Connection
	FindAll() []*Connection
	UpdateLiveness(connectionId string, respondedAt time.Time)
	Len() int
	Clear()
}

type InMemoryRegistry struct {
	logger *zap.Logger
	mu     sync.RWMutex

	connections map[string]*Connection
	order       []string
}

func NewInMemoryRegistry(
	logger *zap.Logger,
) *InMemoryRegistry {
	return &InMemoryRegistry{
		logger:      logger,
		connections: make(map[string]*Connection),
	}
}

// Register adds the connection and starts its writer. A duplicate id is
// an invariant violation given the id generation scheme, never a
// recoverable condition.
func (r *InMemoryRegistry) Register(connection *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connections[connection.Id]; ok {
		return errors.New("connection id already registered: " + connection.Id)
	}

	r.connections[connection.Id] = connection
	r.order = append(r.order, connection.Id)

	go r.writeLoop(connection)

	return nil
}

// Remove is idempotent: removing an absent id is a no-op. The transport
// is closed via Connection.Close, which tolerates concurrent removal
// paths (transport error, liveness eviction, shutdown).
func (r *InMemoryRegistry) Remove(connectionId string) {
	r.mu.Lock()

	connection, ok := r.connections[connectionId]
	if ok {
		delete(r.connections, connectionId)

		for i, id := range r.order {
			if id == connectionId {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}

	r.mu.Unlock()

	if !ok {
		return
	}

	connection.Close()
}

func (r *InMemoryRegistry) Get(connectionId string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connection, ok := r.connections[connectionId]

	return connection, ok
}

// FindByProject returns scoped connections in registration order.
func (r *InMemoryRegistry) FindByProject(projectId string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*Connection
	for _, id := range r.order {
		connection := r.connections[id]
		if connection.ProjectScope() == projectId {
			matches = append(matches, connection)
		}
	}

	return matches
}

func (r *InMemoryRegistry) FindAll() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connections := make([]*Connection, 0, len(r.order))
	for _, id := range r.order {
		connections = append(connections, r.connections[id])
	}

	return connections
}

// UpdateLiveness is a no-op for absent ids: the connection may have been
// evicted between the client's response and this call.
func (r *InMemoryRegistry) UpdateLiveness(connectionId string, respondedAt time.Time) {
	r.mu.RLock()
	connection, ok := r.connections[connectionId]
	r.mu.RUnlock()

	if !ok {
		return
	}

	connection.MarkAlive(respondedAt)
}

func (r *InMemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.connections)
}

// Clear tears down every registered connection. Used on shutdown, after
// the change streams have already been closed.
func (r *InMemoryRegistry) Clear() {
	r.mu.Lock()
	connections := make([]*Connection, 0, len(r.order))
	for _, id := range r.order {
		connections = append(connections, r.connections[id])
	}
	r.connections = make(map[string]*Connection)
	r.order = nil
	r.mu.Unlock()

	for _, connection := range connections {
		connection.Close()
	}
}

// writeLoop drains the connection's send queue onto its transport. One
// loop per connection; a stalled or failing transport affects no one
// else's deliveries.
func (r *InMemoryRegistry) writeLoop(connection *Connection) {
	for {
		select {
		case <-connection.Done():
			return
		case m := <-connection.send:
			if err := connection.transport.WriteMessage(m); err != nil {
				r.logger.Warn("write to connection failed, dropping connection",
					zap.String("connectionId", connection.Id),
					zap.Error(err))

				r.Remove(connection.Id)

				return
			}
		}
	}
}
