// Package processor implements the Message Processor: it owns the single
// read loop over the connection, correlates RESPONSE/ERROR/DISCOVERY_RESPONSE
// messages back to their sender via sendAndWaitForResponse, and dispatches
// every received message to registered per-type handlers.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ElementAstro/hydrogen-clientcore/internal/message"
	"github.com/ElementAstro/hydrogen-clientcore/internal/telemetry"
	"github.com/ElementAstro/hydrogen-clientcore/internal/wsconn"
)

// MessageHandler is invoked for every message of a given type, after
// response correlation has already happened.
type MessageHandler func(msg *message.Message)

// Stats mirrors message_processor.cpp's getProcessingStats().
type Stats struct {
	MessagesSent      uint64
	MessagesReceived  uint64
	MessagesProcessed uint64
	ProcessingErrors  uint64
	Running           bool
}

// Processor owns the read loop and response correlation table.
type Processor struct {
	conn *wsconn.Manager

	threadMu sync.Mutex
	running  atomic.Bool
	loopDone chan struct{}

	loopCtx    context.Context
	loopCancel context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]chan *message.Message

	handlersMu sync.RWMutex
	handlers   map[message.Type]MessageHandler

	sent, received, processed, errs atomic.Uint64

	log     zerolog.Logger
	metrics *telemetry.Metrics
}

// New builds a Processor bound to conn. Call StartMessageLoop to begin
// reading.
func New(conn *wsconn.Manager, logger zerolog.Logger, metrics *telemetry.Metrics) *Processor {
	return &Processor{
		conn:     conn,
		pending:  make(map[string]chan *message.Message),
		handlers: make(map[message.Type]MessageHandler),
		log:      logger.With().Str("component", "processor").Logger(),
		metrics:  metrics,
	}
}

// SendMessage marshals and writes msg. It does not wait for any response.
func (p *Processor) SendMessage(ctx context.Context, msg *message.Message) error {
	if !p.conn.IsConnected() {
		return fmt.Errorf("processor: cannot send message %s: not connected", msg.ID)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.errs.Add(1)
		return fmt.Errorf("processor: marshal message %s: %w", msg.ID, err)
	}
	if err := p.conn.Write(ctx, data); err != nil {
		p.errs.Add(1)
		return fmt.Errorf("processor: send message %s: %w", msg.ID, err)
	}
	p.sent.Add(1)
	p.log.Trace().Str("messageId", msg.ID).Msg("sent")
	return nil
}

// SendAndWaitForResponse sends msg and blocks until a correlated response
// (by originalMessageId == msg.ID) is deposited by the read loop, the
// timeout elapses, ctx is cancelled, or StopMessageLoop shuts the wait down.
func (p *Processor) SendAndWaitForResponse(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	if !p.conn.IsConnected() {
		return nil, fmt.Errorf("processor: not connected to server")
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("processor: message missing an ID")
	}

	ch := make(chan *message.Message, 1)
	p.pendingMu.Lock()
	p.pending[msg.ID] = ch
	p.pendingMu.Unlock()

	cleanup := func() {
		p.pendingMu.Lock()
		delete(p.pending, msg.ID)
		p.pendingMu.Unlock()
	}

	if err := p.SendMessage(ctx, msg); err != nil {
		cleanup()
		return nil, fmt.Errorf("processor: failed to send message: %w", err)
	}

	p.log.Debug().Str("messageId", msg.ID).Msg("waiting for response")

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case resp, ok := <-ch:
		cleanup()
		if !ok {
			return nil, fmt.Errorf("processor: shut down while waiting for response to message %s", msg.ID)
		}
		if resp.Kind == message.ErrorType {
			p.log.Warn().Str("messageId", msg.ID).Msg("received error response")
		}
		return resp, nil
	case <-wctx.Done():
		cleanup()
		if p.metrics != nil {
			p.metrics.ResponseTimeouts.Inc()
		}
		return nil, fmt.Errorf("processor: timeout waiting for response to message %s", msg.ID)
	}
}

// AwaitResponse registers a correlation entry for messageID and blocks
// until a response is deposited by the read loop, the timeout elapses, or
// ctx is cancelled, without sending anything itself. Callers that manage
// their own send path (e.g. the retry queue) use this to still receive the
// eventual application-level response.
func (p *Processor) AwaitResponse(ctx context.Context, messageID string, timeout time.Duration) (*message.Message, error) {
	if messageID == "" {
		return nil, fmt.Errorf("processor: empty message ID")
	}

	ch := make(chan *message.Message, 1)
	p.pendingMu.Lock()
	p.pending[messageID] = ch
	p.pendingMu.Unlock()

	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, messageID)
		p.pendingMu.Unlock()
	}()

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("processor: shut down while awaiting response to %s", messageID)
		}
		return resp, nil
	case <-wctx.Done():
		if p.metrics != nil {
			p.metrics.ResponseTimeouts.Inc()
		}
		return nil, fmt.Errorf("processor: timeout awaiting response to message %s", messageID)
	}
}

// RegisterMessageHandler installs the handler invoked for every message of
// the given type, replacing any previous handler.
func (p *Processor) RegisterMessageHandler(t message.Type, h MessageHandler) {
	p.handlersMu.Lock()
	p.handlers[t] = h
	p.handlersMu.Unlock()
}

// UnregisterMessageHandler removes the handler for the given type.
func (p *Processor) UnregisterMessageHandler(t message.Type) {
	p.handlersMu.Lock()
	delete(p.handlers, t)
	p.handlersMu.Unlock()
}

// StartMessageLoop starts the read goroutine if not already running.
func (p *Processor) StartMessageLoop() error {
	p.threadMu.Lock()
	defer p.threadMu.Unlock()

	if p.running.Load() {
		p.log.Debug().Msg("message loop already running")
		return nil
	}
	if !p.conn.IsConnected() {
		return fmt.Errorf("processor: cannot start message loop: not connected")
	}

	p.loopCtx, p.loopCancel = context.WithCancel(context.Background())
	p.loopDone = make(chan struct{})
	p.running.Store(true)
	go p.messageLoop(p.loopDone)
	p.log.Info().Msg("message processing loop started")
	return nil
}

// StopMessageLoop signals the read goroutine to exit and waits up to two
// seconds for it to finish; if it doesn't, it is abandoned rather than
// leaking the caller's shutdown path (mirrors the original's
// join-with-timeout-then-detach behavior).
func (p *Processor) StopMessageLoop() {
	p.threadMu.Lock()
	defer p.threadMu.Unlock()

	if !p.running.Load() {
		return
	}
	p.running.Store(false)
	p.loopCancel()
	p.notifyAllPendingOfShutdown()

	select {
	case <-p.loopDone:
		p.log.Info().Msg("message processing loop stopped")
	case <-time.After(2 * time.Second):
		p.log.Error().Msg("message processing loop join timed out; abandoning")
	}
}

func (p *Processor) notifyAllPendingOfShutdown() {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
}

func (p *Processor) messageLoop(done chan struct{}) {
	defer close(done)
	defer p.running.Store(false)

	for p.running.Load() && p.conn.IsConnected() {
		data, err := p.conn.Read(p.loopCtx)
		if err != nil {
			if p.loopCtx.Err() != nil || !p.running.Load() {
				p.log.Info().Msg("read loop exiting on shutdown")
			} else {
				p.log.Error().Err(err).Msg("read error")
			}
			return
		}
		p.received.Add(1)
		p.handleMessage(data)
	}
}

func (p *Processor) handleMessage(data []byte) {
	var msg message.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		p.log.Warn().Err(err).Msg("received invalid message")
		p.errs.Add(1)
		return
	}

	p.log.Debug().Str("type", string(msg.Kind)).Str("messageId", msg.ID).Msg("handling message")

	switch msg.Kind {
	case message.Response, message.DiscoveryResponse, message.ErrorType:
		if msg.OriginalMessageID != "" {
			p.handleResponse(msg.OriginalMessageID, &msg)
		}
	}

	p.dispatch(&msg)
	p.processed.Add(1)
}

// handleResponse deposits the response before signalling so the waiter can
// never observe the notify without the value already being present.
func (p *Processor) handleResponse(originalMessageID string, msg *message.Message) {
	p.pendingMu.Lock()
	ch, ok := p.pending[originalMessageID]
	if ok {
		delete(p.pending, originalMessageID)
	}
	p.pendingMu.Unlock()

	if !ok {
		p.log.Trace().Str("originalMessageId", originalMessageID).Msg("no waiter for response")
		return
	}
	ch <- msg
}

func (p *Processor) dispatch(msg *message.Message) {
	p.handlersMu.RLock()
	h, ok := p.handlers[msg.Kind]
	p.handlersMu.RUnlock()
	if !ok {
		p.log.Trace().Str("type", string(msg.Kind)).Msg("no handler registered")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("type", string(msg.Kind)).Msg("handler panicked")
			p.errs.Add(1)
		}
	}()
	h(msg)
}

// Stats returns a snapshot of processing counters.
func (p *Processor) Stats() Stats {
	return Stats{
		MessagesSent:      p.sent.Load(),
		MessagesReceived:  p.received.Load(),
		MessagesProcessed: p.processed.Load(),
		ProcessingErrors:  p.errs.Load(),
		Running:           p.running.Load(),
	}
}
