package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Kobra-S1/ACEPRO/logger"
)

// ConnState represents the various stages of the link to a unit.
type ConnState uint32

// IsNotConnected returns if the current state is not connected.
func (cs ConnState) IsNotConnected() bool { return cs == NotConnectedState }

// IsConnecting returns if the current state is connecting.
func (cs ConnState) IsConnecting() bool { return cs == ConnectingState }

// IsConnected returns if the current state is connected.
func (cs ConnState) IsConnected() bool { return cs == ConnectedState }

// String returns string representation of the current state.
func (cs ConnState) String() string {
	switch cs {
	case NotConnectedState:
		return "not-connected"
	case ConnectingState:
		return "connecting"
	case ConnectedState:
		return "connected"
	default:
		return "unknown"
	}
}

// Connection states.
const (
	// NotConnectedState indicates that no port is open.
	NotConnectedState ConnState = iota
	// ConnectingState indicates that a port is being resolved and opened.
	ConnectingState
	// ConnectedState indicates that the port is open and the link tasks are running.
	ConnectedState
)

// ConnStateChangeHandler is a function type that represents a handler for connection state changes.
//
// Note: the handler will be invoked in a blocking mode with the state manager locked.
// A handler must only request further transitions with the Async methods.
type ConnStateChangeHandler func(prevState ConnState, newState ConnState)

// ConnStateMgr manages the connection state of a unit link.
//
// It provides methods for managing state transitions and notifying listeners of state changes.
// The state transitions are thread safety in concurrent environments.
type ConnStateMgr struct {
	mu               sync.Mutex
	ctx              context.Context
	cond             *sync.Cond
	state            atomic.Uint32
	logger           logger.Logger
	asyncStateChange chan ConnState
	handlers         []ConnStateChangeHandler
}

// NewConnStateMgr creates a new ConnStateMgr instance, initializing it to the NotConnectedState.
//
// The background transition task stops when ctx is done.
func NewConnStateMgr(ctx context.Context, l logger.Logger, handlers ...ConnStateChangeHandler) *ConnStateMgr {
	if l == nil {
		l = logger.GetLogger()
	}

	connState := &ConnStateMgr{
		ctx:              ctx,
		logger:           l,
		asyncStateChange: make(chan ConnState, 10),
		handlers:         make([]ConnStateChangeHandler, 0, len(handlers)),
	}
	connState.handlers = append(connState.handlers, handlers...)

	connState.state.Store(uint32(NotConnectedState))
	connState.cond = sync.NewCond(&connState.mu)

	go connState.asyncStateChangeTask()

	return connState
}

// State returns the current connection state.
func (cs *ConnStateMgr) State() ConnState {
	return ConnState(cs.state.Load())
}

// AddHandler adds one or more ConnStateChangeHandler functions to be invoked on state changes.
func (cs *ConnStateMgr) AddHandler(handlers ...ConnStateChangeHandler) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.handlers = append(cs.handlers, handlers...)
}

// WaitState waits for the connection state to reach the specified state or until the context is done.
// It returns nil if the desired state is reached, or an error if the context is canceled or times out.
func (cs *ConnStateMgr) WaitState(ctx context.Context, state ConnState) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.State() == state {
		return nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		cs.cond.Broadcast()
	})
	defer stopFunc()

	for cs.State() != state {
		if err := ctx.Err(); err != nil {
			cs.logger.Debug("wait connection state receive ctx done", "cur_state", cs.State(), "desired_state", state)
			return err
		}
		cs.cond.Wait()
	}

	return nil
}

// ToNotConnected transitions the connection state to NotConnectedState.
// This transition is allowed from any state and represents a disconnection or a reset of the connection.
func (cs *ConnStateMgr) ToNotConnected() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()
	if curState == NotConnectedState {
		return
	}

	// change state to not connected BEFORE all handlers finished
	cs.setState(NotConnectedState)
	cs.invokeHandlers(curState, NotConnectedState)
}

// ToConnecting transitions the connection state to ConnectingState.
//
// This transition is only allowed from NotConnectedState.
// If the state is already ConnectingState, the function is a no-op.
func (cs *ConnStateMgr) ToConnecting() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()
	if curState.IsConnecting() {
		return nil
	}
	if !curState.IsNotConnected() {
		return ErrInvalidTransition
	}

	cs.setState(ConnectingState)
	cs.invokeHandlers(curState, ConnectingState)

	return nil
}

// ToConnected transitions the connection state to ConnectedState.
//
// This transition is only allowed from ConnectingState. The state is published
// before the handlers run so requests issued by a handler are accepted.
func (cs *ConnStateMgr) ToConnected() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()
	if curState.IsConnected() {
		return nil
	}
	if !curState.IsConnecting() {
		return ErrInvalidTransition
	}

	cs.setState(ConnectedState)
	cs.invokeHandlers(curState, ConnectedState)

	return nil
}

// ToNotConnectedAsync transitions connection state to NotConnectedState asynchronously.
func (cs *ConnStateMgr) ToNotConnectedAsync() {
	cs.changeStateAsync(NotConnectedState)
}

// ToConnectingAsync transitions connection state to ConnectingState asynchronously.
func (cs *ConnStateMgr) ToConnectingAsync() {
	cs.changeStateAsync(ConnectingState)
}

// ToConnectedAsync transitions connection state to ConnectedState asynchronously.
func (cs *ConnStateMgr) ToConnectedAsync() {
	cs.changeStateAsync(ConnectedState)
}

// IsConnected returns if the current state is connected.
func (cs *ConnStateMgr) IsConnected() bool {
	return cs.State().IsConnected()
}

// setState atomically set current state to the newState. It also broadcasts a signal to any waiting goroutines.
func (cs *ConnStateMgr) setState(newState ConnState) {
	cs.state.Store(uint32(newState))
	cs.cond.Broadcast()
}

// invokeHandlers invokes all registered ConnStateChangeHandler functions with the previous and new states.
func (cs *ConnStateMgr) invokeHandlers(prevState ConnState, newState ConnState) {
	for _, handler := range cs.handlers {
		if handler != nil {
			handler(prevState, newState)
		}
	}
}

// changeStateAsync queues the desired connection state for the background task.
//
// If the state is the same as the current state, the function is a no-op.
func (cs *ConnStateMgr) changeStateAsync(state ConnState) {
	if cs.State() == state {
		return
	}

	select {
	case cs.asyncStateChange <- state:
	case <-cs.ctx.Done():
	}
}

// asyncStateChangeTask handles state changing in the background.
func (cs *ConnStateMgr) asyncStateChangeTask() {
	defer cs.logger.Debug("asyncStateChangeTask terminated")

	for {
		select {
		case <-cs.ctx.Done():
			return

		case desiredState := <-cs.asyncStateChange:
			prevState := cs.State()
			if desiredState == prevState {
				break
			}

			var err error
			switch desiredState {
			case NotConnectedState:
				cs.ToNotConnected()
			case ConnectingState:
				err = cs.ToConnecting()
			case ConnectedState:
				err = cs.ToConnected()
			}

			if err != nil {
				cs.logger.Debug("async connection state change rejected",
					"prevState", prevState, "curState", cs.State(), "desiredState", desiredState,
					"error", err,
				)
				if errors.Is(err, ErrInvalidTransition) && desiredState == ConnectedState {
					cs.ToNotConnected()
				}
			}
		}
	}
}
