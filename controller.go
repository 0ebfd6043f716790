package main

import (
	"context"
	"sync"

	"go.dedis.ch/framerelay/relay"
	"go.dedis.ch/framerelay/relay/impl"
	"go.dedis.ch/framerelay/types"
)

// controller starts and stops relay sessions on user request. A session can't
// be restarted once closed, so each start creates a new one.
type controller struct {
	sync.Mutex

	ctx        context.Context
	newSession func() relay.Session

	current relay.Session
}

func newController(ctx context.Context, newSession func() relay.Session) *controller {
	return &controller{
		ctx:        ctx,
		newSession: newSession,
	}
}

func (c *controller) start() error {
	c.Lock()
	defer c.Unlock()

	if c.current != nil && c.current.State() != types.Closed {
		return impl.AlreadyRunningError{State: c.current.State()}
	}

	session := c.newSession()

	err := session.Start(c.ctx)
	if err != nil {
		return err
	}

	c.current = session

	return nil
}

func (c *controller) stop() error {
	c.Lock()
	session := c.current
	c.Unlock()

	if session == nil || session.State() == types.Closed {
		return impl.NotRunningError{}
	}

	err := session.Stop()
	if err != nil {
		return err
	}

	// a session that stopped on its own reports why
	return session.Wait()
}

func (c *controller) state() types.SessionState {
	c.Lock()
	defer c.Unlock()

	if c.current == nil {
		return types.Idle
	}
	return c.current.State()
}

func (c *controller) stats() (relay.Stats, bool) {
	c.Lock()
	defer c.Unlock()

	if c.current == nil {
		return relay.Stats{}, false
	}
	return c.current.Stats(), true
}

// done returns a channel closed when the current session ends, or nil if
// there is none.
func (c *controller) done() <-chan struct{} {
	c.Lock()
	defer c.Unlock()

	if c.current == nil {
		return nil
	}
	return c.current.Done()
}

// wait blocks until the current session is closed and returns its cause.
func (c *controller) wait() error {
	c.Lock()
	session := c.current
	c.Unlock()

	if session == nil {
		return nil
	}
	return session.Wait()
}

func (c *controller) shutdown() {
	c.Lock()
	session := c.current
	c.Unlock()

	if session != nil {
		session.Stop()
	}
}
