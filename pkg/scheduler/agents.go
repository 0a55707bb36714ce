package scheduler

import (
	"context"

	"github.com/odvcencio/bigtest/pkg/agentserver"
	"github.com/odvcencio/bigtest/pkg/protocol"
)

//go:generate mockgen -package=scheduler -destination=mock_agents_test.go github.com/odvcencio/bigtest/pkg/scheduler Registry,Agent,Inbox

// Inbox is an ordered stream of events from one agent.
type Inbox interface {
	Next(ctx context.Context) (protocol.Event, error)
	Close()
}

// Agent is the scheduler's view of a connected agent.
type Agent interface {
	ID() string
	Send(ctx context.Context, msg protocol.Message) error
	Subscribe() Inbox
}

// Registry looks up connected agents.
type Registry interface {
	Agent(id string) (Agent, bool)
}

// FromManager exposes the agents of m to a Scheduler.
func FromManager(m *agentserver.Manager) Registry {
	return managerRegistry{m: m}
}

type managerRegistry struct {
	m *agentserver.Manager
}

func (r managerRegistry) Agent(id string) (Agent, bool) {
	c, ok := r.m.Get(id)
	if !ok {
		return nil, false
	}
	return connAgent{Conn: c}, true
}

type connAgent struct {
	*agentserver.Conn
}

func (c connAgent) Subscribe() Inbox {
	return c.Conn.Subscribe()
}
