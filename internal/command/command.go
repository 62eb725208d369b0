// Package command implements the Command Executor: synchronous and
// asynchronous command execution over a device, batch execution, and QoS
// delivery via the retry queue.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ElementAstro/hydrogen-clientcore/internal/message"
	"github.com/ElementAstro/hydrogen-clientcore/internal/processor"
	"github.com/ElementAstro/hydrogen-clientcore/internal/queue"
	"github.com/ElementAstro/hydrogen-clientcore/internal/telemetry"
)

const (
	maxDeviceIDLen   = 256
	maxCommandLen    = 128
	defaultTimeout   = 10 * time.Second
)

// Sender is the subset of *processor.Processor the executor depends on.
type Sender interface {
	SendAndWaitForResponse(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error)
	AwaitResponse(ctx context.Context, messageID string, timeout time.Duration) (*message.Message, error)
	RegisterMessageHandler(t message.Type, h processor.MessageHandler)
}

// Enqueuer is the subset of *queue.Manager the executor depends on.
type Enqueuer interface {
	Enqueue(msg *message.Message, cb queue.DeliveryCallback)
}

// Dispatcher runs async callbacks without blocking the caller.
type Dispatcher interface {
	Dispatch(func())
}

// AsyncCallback receives the outcome of an asynchronous command.
type AsyncCallback func(resp *message.Message, err error)

// BatchCommand is one command within a batch request.
type BatchCommand struct {
	Command    string          `json:"command"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Stats mirrors command_executor.cpp's getExecutionStats().
type Stats struct {
	CommandsExecuted       uint64
	AsyncCommandsExecuted  uint64
	BatchCommandsExecuted  uint64
	CommandErrors          uint64
	Timeouts               uint64
	PendingAsyncCommands   int
}

// Executor implements executeCommand / executeCommandAsync /
// executeBatchCommands / cancelAsyncCommand / clearPendingCommands.
type Executor struct {
	sender     Sender
	queue      Enqueuer
	dispatcher Dispatcher

	cbMu      sync.Mutex
	callbacks map[string]AsyncCallback

	statsMu                                                      sync.Mutex
	commandsExecuted, asyncExecuted, batchExecuted, errs, timeouts uint64

	defaultTimeout time.Duration
	log            zerolog.Logger
	metrics        *telemetry.Metrics
}

// New builds an Executor. It registers itself as the RESPONSE handler on
// sender to correlate async command responses.
func New(sender Sender, q Enqueuer, dispatcher Dispatcher, logger zerolog.Logger, metrics *telemetry.Metrics) *Executor {
	e := &Executor{
		sender:         sender,
		queue:          q,
		dispatcher:     dispatcher,
		callbacks:      make(map[string]AsyncCallback),
		defaultTimeout: defaultTimeout,
		log:            logger.With().Str("component", "command").Logger(),
		metrics:        metrics,
	}
	sender.RegisterMessageHandler(message.Response, e.handleAsyncResponse)
	return e
}

func isValidDeviceID(id string) bool {
	if id == "" || len(id) > maxDeviceIDLen {
		return false
	}
	for _, r := range id {
		if !isAlnum(r) && r != '_' && r != '-' && r != '.' {
			return false
		}
	}
	return true
}

func isValidCommand(cmd string) bool {
	if cmd == "" || len(cmd) > maxCommandLen {
		return false
	}
	for _, r := range cmd {
		if !isAlnum(r) && r != '_' && r != '-' {
			return false
		}
	}
	return true
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// ExecuteCommand runs a command synchronously, returning its correlated
// response. AT_MOST_ONCE commands go straight through the processor;
// AT_LEAST_ONCE/EXACTLY_ONCE commands go through the retry queue and wait
// for the real correlated response (not a fixed sleep).
func (e *Executor) ExecuteCommand(ctx context.Context, deviceID, cmd string, parameters json.RawMessage, qos message.QoS) (*message.Message, error) {
	if !isValidDeviceID(deviceID) {
		return nil, fmt.Errorf("command: invalid device ID %q", deviceID)
	}
	if !isValidCommand(cmd) {
		return nil, fmt.Errorf("command: invalid command %q", cmd)
	}

	msg := message.NewCommand(deviceID, cmd, parameters, nil)
	msg.QoSLevel = qos

	var resp *message.Message
	var err error
	if qos != message.AtMostOnce {
		resp, err = e.executeWithQoS(ctx, msg, e.defaultTimeout)
	} else {
		resp, err = e.sender.SendAndWaitForResponse(ctx, msg, e.defaultTimeout)
	}

	e.statsMu.Lock()
	e.commandsExecuted++
	if err != nil {
		e.errs++
	}
	e.statsMu.Unlock()

	if err != nil {
		e.log.Error().Str("deviceId", deviceID).Str("command", cmd).Err(err).Msg("command execution failed")
		return nil, err
	}
	return resp, nil
}

// executeWithQoS sends msg through the retry queue and waits for the
// actual application-level response, racing it against a permanent
// delivery failure.
func (e *Executor) executeWithQoS(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	type result struct {
		msg *message.Message
		err error
	}
	respCh := make(chan result, 1)
	go func() {
		resp, err := e.sender.AwaitResponse(ctx, msg.ID, timeout)
		respCh <- result{resp, err}
	}()

	deliveryErrCh := make(chan error, 1)
	e.queue.Enqueue(msg, func(_ string, success bool, err error) {
		if !success {
			deliveryErrCh <- err
		}
	})

	select {
	case r := <-respCh:
		return r.msg, r.err
	case err := <-deliveryErrCh:
		return nil, fmt.Errorf("command: message delivery failed: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExecuteCommandAsync validates and dispatches a command without blocking.
// On invalid input the callback is still invoked, but asynchronously via
// the dispatcher rather than returning an error synchronously.
func (e *Executor) ExecuteCommandAsync(deviceID, cmd string, parameters json.RawMessage, qos message.QoS, cb AsyncCallback) {
	if !isValidDeviceID(deviceID) {
		e.runAsync(func() { cb(nil, fmt.Errorf("command: invalid device ID %q", deviceID)) })
		return
	}
	if !isValidCommand(cmd) {
		e.runAsync(func() { cb(nil, fmt.Errorf("command: invalid command %q", cmd)) })
		return
	}

	msg := message.NewCommand(deviceID, cmd, parameters, nil)
	msg.QoSLevel = qos

	e.cbMu.Lock()
	e.callbacks[msg.ID] = cb
	e.cbMu.Unlock()

	e.statsMu.Lock()
	e.asyncExecuted++
	e.statsMu.Unlock()

	e.queue.Enqueue(msg, func(id string, success bool, err error) {
		if success {
			return
		}
		e.cbMu.Lock()
		userCB, ok := e.callbacks[id]
		delete(e.callbacks, id)
		e.cbMu.Unlock()
		if !ok {
			return
		}
		e.statsMu.Lock()
		e.errs++
		e.statsMu.Unlock()
		e.runAsync(func() { userCB(nil, fmt.Errorf("command: message delivery failed: %w", err)) })
	})
}

// handleAsyncResponse correlates an arriving RESPONSE message with a
// pending async callback, if any.
func (e *Executor) handleAsyncResponse(msg *message.Message) {
	if msg.OriginalMessageID == "" {
		return
	}
	e.cbMu.Lock()
	cb, ok := e.callbacks[msg.OriginalMessageID]
	if ok {
		delete(e.callbacks, msg.OriginalMessageID)
	}
	e.cbMu.Unlock()
	if !ok {
		return
	}
	e.runAsync(func() { cb(msg, nil) })
}

func (e *Executor) runAsync(fn func()) {
	if e.dispatcher != nil {
		e.dispatcher.Dispatch(fn)
		return
	}
	go fn()
}

// ExecuteBatchCommands runs a set of commands as a single BATCH command,
// asking the device server to run them sequentially or in parallel
// according to the sequential flag.
func (e *Executor) ExecuteBatchCommands(ctx context.Context, deviceID string, commands []BatchCommand, sequential bool, qos message.QoS) (*message.Message, error) {
	if !isValidDeviceID(deviceID) {
		return nil, fmt.Errorf("command: invalid device ID %q", deviceID)
	}
	for _, c := range commands {
		if !isValidCommand(c.Command) {
			return nil, fmt.Errorf("command: invalid command %q in batch", c.Command)
		}
	}

	mode := "PARALLEL"
	if sequential {
		mode = "SEQUENTIAL"
	}
	params, err := json.Marshal(struct {
		Commands      []BatchCommand `json:"commands"`
		ExecutionMode string         `json:"executionMode"`
	}{Commands: commands, ExecutionMode: mode})
	if err != nil {
		return nil, fmt.Errorf("command: marshal batch parameters: %w", err)
	}

	msg := message.NewCommand(deviceID, "BATCH", params, nil)
	msg.QoSLevel = qos

	var resp *message.Message
	if qos != message.AtMostOnce {
		resp, err = e.executeWithQoS(ctx, msg, e.defaultTimeout)
	} else {
		resp, err = e.sender.SendAndWaitForResponse(ctx, msg, e.defaultTimeout)
	}

	e.statsMu.Lock()
	e.batchExecuted++
	if err != nil {
		e.errs++
	}
	e.statsMu.Unlock()

	return resp, err
}

// CancelAsyncCommand removes a pending async callback without invoking it.
// Returns whether one was present.
func (e *Executor) CancelAsyncCommand(messageID string) bool {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	_, ok := e.callbacks[messageID]
	delete(e.callbacks, messageID)
	return ok
}

// ClearPendingCommands invokes every pending async callback with a
// shutdown error and clears the table. The pending count is snapshotted
// before clearing, fixing the original implementation's always-zero log.
func (e *Executor) ClearPendingCommands() {
	e.cbMu.Lock()
	pending := e.callbacks
	count := len(pending)
	e.callbacks = make(map[string]AsyncCallback)
	e.cbMu.Unlock()

	e.log.Info().Int("count", count).Msg("cleared pending async commands")

	for _, cb := range pending {
		cb := cb
		e.runAsync(func() { cb(nil, fmt.Errorf("command: executor shutdown")) })
	}
}

// GetPendingAsyncCount returns the number of outstanding async callbacks.
func (e *Executor) GetPendingAsyncCount() int {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	return len(e.callbacks)
}

// GetExecutionStats returns a snapshot of execution counters.
func (e *Executor) GetExecutionStats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return Stats{
		CommandsExecuted:      e.commandsExecuted,
		AsyncCommandsExecuted: e.asyncExecuted,
		BatchCommandsExecuted: e.batchExecuted,
		CommandErrors:         e.errs,
		Timeouts:              e.timeouts,
		PendingAsyncCommands:  e.GetPendingAsyncCount(),
	}
}
