package message

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nicholaskb/semant/internal/types"
)

// Handler is the single contract a worker implements. The engine depends
// only on this interface, never on a concrete worker type.
//
// Handle receives a request envelope and returns the response envelope.
// A non-nil error or an error_response envelope both count as an explicit
// worker failure; a missed deadline counts as a timeout.
type Handler interface {
	Handle(ctx context.Context, env Envelope) (Envelope, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env Envelope) (Envelope, error)

// Handle calls f(ctx, env).
func (f HandlerFunc) Handle(ctx context.Context, env Envelope) (Envelope, error) {
	return f(ctx, env)
}

// request pairs an envelope with the channel its reply is delivered on.
type request struct {
	env   Envelope
	reply chan response
}

type response struct {
	env Envelope
	err error
}

// inbox is a single agent's bounded mailbox and its drain loop lifecycle.
type inbox struct {
	ch     chan request
	cancel context.CancelFunc
	done   chan struct{}
}

// Channel is the request/response transport between the engine and workers.
//
// Each attached agent gets a bounded inbox drained by its own goroutine;
// backpressure comes from the inbox capacity rather than polling. Delivery
// is at-most-once per attempt: if the inbox is full or the deadline passes
// before delivery, the attempt fails and no duplicate is ever queued.
type Channel struct {
	mu      sync.RWMutex
	inboxes map[string]*inbox
	logger  *slog.Logger
	closed  bool
}

// ChannelOption is a functional option for configuring a Channel.
type ChannelOption func(*Channel)

// WithChannelLogger sets the structured logger used for transport events.
func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewChannel creates an empty message channel.
func NewChannel(opts ...ChannelOption) *Channel {
	c := &Channel{
		inboxes: make(map[string]*inbox),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attach registers a handler for an agent and starts its drain loop.
// buffer bounds the agent's inbox; zero selects a default of 16.
// Attaching an already attached agent ID fails.
func (c *Channel) Attach(agentID string, handler Handler, buffer int) error {
	if agentID == "" {
		return types.NewError(types.DISPATCH_FAILED, "agent ID cannot be empty")
	}
	if handler == nil {
		return types.NewError(types.DISPATCH_FAILED, "handler cannot be nil")
	}
	if buffer <= 0 {
		buffer = 16
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return types.NewError(types.DISPATCH_FAILED, "message channel is closed")
	}
	if _, exists := c.inboxes[agentID]; exists {
		return types.NewError(types.AGENT_DUPLICATE,
			fmt.Sprintf("agent %s is already attached", agentID))
	}

	ctx, cancel := context.WithCancel(context.Background())
	box := &inbox{
		ch:     make(chan request, buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.inboxes[agentID] = box

	go c.drain(ctx, agentID, handler, box)

	return nil
}

// Detach stops an agent's drain loop and removes its inbox. Idempotent.
// In-flight requests receive an error response once the loop exits.
func (c *Channel) Detach(agentID string) {
	c.mu.Lock()
	box, exists := c.inboxes[agentID]
	if exists {
		delete(c.inboxes, agentID)
	}
	c.mu.Unlock()

	if exists {
		box.cancel()
		<-box.done
	}
}

// Request delivers env to its recipient's inbox and awaits the reply.
// The whole exchange is bounded by the context deadline; callers set one
// with context.WithTimeout. A missed deadline on either leg returns a
// retryable DISPATCH_TIMEOUT.
func (c *Channel) Request(ctx context.Context, env Envelope) (Envelope, error) {
	c.mu.RLock()
	box, exists := c.inboxes[env.RecipientID]
	closed := c.closed
	c.mu.RUnlock()

	if closed {
		return Envelope{}, types.NewError(types.DISPATCH_FAILED, "message channel is closed")
	}
	if !exists {
		return Envelope{}, types.NewError(types.DISPATCH_FAILED,
			fmt.Sprintf("agent %s is not attached to the channel", env.RecipientID))
	}

	req := request{env: env, reply: make(chan response, 1)}

	select {
	case box.ch <- req:
	case <-ctx.Done():
		return Envelope{}, types.WrapRetryableError(types.DISPATCH_TIMEOUT,
			fmt.Sprintf("delivery to agent %s timed out", env.RecipientID), ctx.Err())
	}

	select {
	case resp := <-req.reply:
		return resp.env, resp.err
	case <-ctx.Done():
		return Envelope{}, types.WrapRetryableError(types.DISPATCH_TIMEOUT,
			fmt.Sprintf("agent %s did not respond in time", env.RecipientID), ctx.Err())
	}
}

// Close detaches every agent and rejects further requests.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	boxes := make([]*inbox, 0, len(c.inboxes))
	for _, box := range c.inboxes {
		boxes = append(boxes, box)
	}
	c.inboxes = make(map[string]*inbox)
	c.mu.Unlock()

	for _, box := range boxes {
		box.cancel()
		<-box.done
	}
}

// Attached reports whether an agent currently has an inbox.
func (c *Channel) Attached(agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.inboxes[agentID]
	return exists
}

// drain runs an agent's inbox loop until its context is cancelled.
func (c *Channel) drain(ctx context.Context, agentID string, handler Handler, box *inbox) {
	defer close(box.done)

	for {
		select {
		case <-ctx.Done():
			// Fail any requests still queued so callers don't block until
			// their own deadlines.
			for {
				select {
				case req := <-box.ch:
					req.reply <- response{err: types.NewError(types.DISPATCH_FAILED,
						fmt.Sprintf("agent %s detached", agentID))}
				default:
					return
				}
			}
		case req := <-box.ch:
			out, err := c.handle(ctx, agentID, handler, req.env)
			req.reply <- response{env: out, err: err}
		}
	}
}

// handle invokes the worker, converting panics into execution errors so a
// misbehaving worker cannot take the transport down.
func (c *Channel) handle(ctx context.Context, agentID string, handler Handler, env Envelope) (out Envelope, err error) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.ErrorContext(ctx, "worker panicked",
				"agent_id", agentID,
				"envelope_id", env.ID,
				"panic", p,
			)
			err = types.NewError(types.EXECUTION_FAILED,
				fmt.Sprintf("agent %s panicked: %v", agentID, p))
		}
	}()

	return handler.Handle(ctx, env)
}
