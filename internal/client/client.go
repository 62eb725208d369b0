// Package client wires the Message Model, Connection Manager, Message
// Processor, Message Queue Manager, Subscription Manager, Device Manager,
// and Command Executor into a single arena-style object graph, replacing
// the raw back-pointers of the original implementation with one owning
// root.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ElementAstro/hydrogen-clientcore/internal/authtoken"
	"github.com/ElementAstro/hydrogen-clientcore/internal/command"
	"github.com/ElementAstro/hydrogen-clientcore/internal/config"
	"github.com/ElementAstro/hydrogen-clientcore/internal/device"
	"github.com/ElementAstro/hydrogen-clientcore/internal/diagnostics"
	"github.com/ElementAstro/hydrogen-clientcore/internal/message"
	"github.com/ElementAstro/hydrogen-clientcore/internal/processor"
	"github.com/ElementAstro/hydrogen-clientcore/internal/queue"
	"github.com/ElementAstro/hydrogen-clientcore/internal/subscription"
	"github.com/ElementAstro/hydrogen-clientcore/internal/telemetry"
	"github.com/ElementAstro/hydrogen-clientcore/internal/wsconn"
)

// ErrorHandler is invoked for transport-level errors that aren't already
// surfaced through a synchronous API's return value.
type ErrorHandler func(error)

// Client is the top-level object graph: everything the application needs
// to talk to a device server lives here.
type Client struct {
	cfg     *config.Config
	log     zerolog.Logger
	Metrics *telemetry.Metrics

	conn      *wsconn.Manager
	proc      *processor.Processor
	queue     *queue.Manager
	subs      *subscription.Manager
	devices   *device.Registry
	deviceMgr *device.Manager
	cmd       *command.Executor
	pool      *workerPool

	errMu   sync.Mutex
	onError ErrorHandler

	closeOnce sync.Once
}

// New builds a Client and wires every component together. It does not
// connect; call Connect to start talking to the server.
func New(cfg *config.Config, logger zerolog.Logger) *Client {
	metrics := telemetry.NewMetrics()
	conn := wsconn.NewManager(cfg.WebSocketURL(), logger, cfg.ReconnectInterval, wsconn.WithMetrics(metrics))
	conn.SetAutoReconnect(true, cfg.ReconnectInterval, cfg.MaxReconnectAttempts)

	proc := processor.New(conn, logger, metrics)
	pool := newWorkerPool(cfg.WorkerPoolSize)
	qm := queue.New(proc.SendMessage, logger, metrics)
	qm.SetRetryParams(cfg.MaxRetries, cfg.RetryInterval)

	subs := subscription.New(pool, logger, metrics)
	devices := device.NewRegistry()
	deviceMgr := device.NewManager(devices, proc, cfg.ResponseTimeout)
	cmdExec := command.New(proc, qm, pool, logger, metrics)

	c := &Client{
		cfg:       cfg,
		log:       logger.With().Str("component", "client").Logger(),
		Metrics:   metrics,
		conn:      conn,
		proc:      proc,
		queue:     qm,
		subs:      subs,
		devices:   devices,
		deviceMgr: deviceMgr,
		cmd:       cmdExec,
		pool:      pool,
	}

	proc.RegisterMessageHandler(message.Event, subs.DispatchEventMessage)
	proc.RegisterMessageHandler(message.DiscoveryResponse, c.handleDiscoveryResponse)

	conn.SetConnectionCallback(c.handleConnectionStateChange)

	return c
}

func (c *Client) handleDiscoveryResponse(msg *message.Message) {
	if msg.DiscoveryResponsePayload == nil {
		return
	}
	if err := c.devices.ApplyDiscovery(msg.DiscoveryResponsePayload.Devices); err != nil {
		c.log.Warn().Err(err).Msg("failed to apply discovery response")
	}
}

func (c *Client) handleConnectionStateChange(state wsconn.State, attempt int) {
	if c.Metrics != nil {
		c.Metrics.ConnectionState.Set(float64(state))
	}
	switch state {
	case wsconn.Connected:
		c.log.Info().Msg("connection established")
		c.queue.Start(context.Background())
		if err := c.proc.StartMessageLoop(); err != nil {
			c.reportError(fmt.Errorf("client: start message loop: %w", err))
		}
	case wsconn.Disconnected:
		c.log.Warn().Msg("connection lost")
	case wsconn.Reconnecting:
		c.log.Info().Int("attempt", attempt).Msg("reconnecting")
	case wsconn.Exhausted:
		c.reportError(fmt.Errorf("client: reconnect attempts exhausted after %d tries", attempt))
	}
}

// SetErrorHandler installs the pluggable transport error handler.
func (c *Client) SetErrorHandler(h ErrorHandler) {
	c.errMu.Lock()
	c.onError = h
	c.errMu.Unlock()
}

func (c *Client) reportError(err error) {
	c.errMu.Lock()
	h := c.onError
	c.errMu.Unlock()
	if h != nil {
		h(err)
		return
	}
	c.log.Error().Err(err).Msg("unhandled client error")
}

// Connect dials the server, retrying with the configured backoff until it
// succeeds or ctx is cancelled.
func (c *Client) Connect(ctx context.Context) error {
	for {
		err := c.conn.Connect(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("client: connect cancelled: %w", ctx.Err())
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

// Authenticate sends an AUTHENTICATION message using the bearer-jwt method
// and waits for the server's RESPONSE.
func (c *Client) Authenticate(ctx context.Context, secret []byte, ttl time.Duration) (*message.Message, error) {
	token, err := authtoken.Issue(secret, c.cfg.UserID, c.cfg.DeviceID, ttl)
	if err != nil {
		return nil, fmt.Errorf("client: issue auth token: %w", err)
	}
	msg := message.NewAuthentication(authtoken.Method, token)
	msg.DeviceID = c.cfg.DeviceID
	return c.proc.SendAndWaitForResponse(ctx, msg, c.cfg.ResponseTimeout)
}

// registrationInfo is the REGISTRATION message's deviceInfo shape: the
// caller-supplied device description alongside this client's host health
// report, per SPEC_FULL §4.8.
type registrationInfo struct {
	DeviceInfo json.RawMessage         `json:"deviceInfo,omitempty"`
	Host       *diagnostics.HostReport `json:"host,omitempty"`
}

// Register sends a REGISTRATION message describing this client, attaching a
// host health report (cpu/mem/host facts) alongside the caller-supplied
// deviceInfo, the way a telescope-control client introduces itself to a
// device server.
func (c *Client) Register(ctx context.Context, deviceInfo json.RawMessage) (*message.Message, error) {
	info := registrationInfo{DeviceInfo: deviceInfo}
	if report, err := diagnostics.Collect(ctx); err != nil {
		c.log.Warn().Err(err).Msg("failed to collect host diagnostics for registration")
	} else {
		info.Host = &report
	}

	payload, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("client: marshal registration info: %w", err)
	}

	msg := message.NewRegistration(payload)
	msg.DeviceID = c.cfg.DeviceID
	return c.proc.SendAndWaitForResponse(ctx, msg, c.cfg.ResponseTimeout)
}

// DiscoverDevices sends a DISCOVERY_REQUEST and returns once the server's
// DISCOVERY_RESPONSE has been applied to the device cache.
func (c *Client) DiscoverDevices(ctx context.Context, deviceTypes []string) error {
	return c.deviceMgr.DiscoverDevices(ctx, deviceTypes)
}

// GetDeviceProperties sends a targeted GET_PROPERTIES command and returns the
// server's response, refreshing the device cache with whatever it reports.
func (c *Client) GetDeviceProperties(ctx context.Context, deviceID string, propertyNames []string) (*message.Message, error) {
	return c.deviceMgr.GetDeviceProperties(ctx, deviceID, propertyNames)
}

// SetDeviceProperties sends a targeted SET_PROPERTIES command and returns the
// server's response, refreshing the device cache with whatever it confirms.
func (c *Client) SetDeviceProperties(ctx context.Context, deviceID string, properties json.RawMessage) (*message.Message, error) {
	return c.deviceMgr.SetDeviceProperties(ctx, deviceID, properties)
}

// ExecuteCommand runs a command synchronously with the default QoS.
func (c *Client) ExecuteCommand(ctx context.Context, deviceID, cmd string, parameters json.RawMessage) (*message.Message, error) {
	return c.cmd.ExecuteCommand(ctx, deviceID, cmd, parameters, message.QoS(c.cfg.DefaultQoS))
}

// ExecuteCommandWithQoS runs a command synchronously at the given QoS.
func (c *Client) ExecuteCommandWithQoS(ctx context.Context, deviceID, cmd string, parameters json.RawMessage, qos message.QoS) (*message.Message, error) {
	return c.cmd.ExecuteCommand(ctx, deviceID, cmd, parameters, qos)
}

// ExecuteCommandAsync runs a command without blocking the caller.
func (c *Client) ExecuteCommandAsync(deviceID, cmd string, parameters json.RawMessage, qos message.QoS, cb command.AsyncCallback) {
	c.cmd.ExecuteCommandAsync(deviceID, cmd, parameters, qos, cb)
}

// ExecuteBatchCommands runs a batch of commands as one BATCH command.
func (c *Client) ExecuteBatchCommands(ctx context.Context, deviceID string, commands []command.BatchCommand, sequential bool, qos message.QoS) (*message.Message, error) {
	return c.cmd.ExecuteBatchCommands(ctx, deviceID, commands, sequential, qos)
}

// CancelAsyncCommand cancels a pending async command's callback.
func (c *Client) CancelAsyncCommand(messageID string) bool {
	return c.cmd.CancelAsyncCommand(messageID)
}

// Subscriptions exposes the Subscription Manager.
func (c *Client) Subscriptions() *subscription.Manager { return c.subs }

// Devices exposes the Device Manager's cache.
func (c *Client) Devices() *device.Registry { return c.devices }

// Status returns the connection manager's current status.
func (c *Client) Status() wsconn.Status { return c.conn.Status() }

// Close performs the ordered shutdown: stop the queue scheduler, stop the
// read loop, fail pending async commands, close the transport, then drain
// the worker pool — in that order, so no callback fires after Close
// returns.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.queue.Stop()
		c.proc.StopMessageLoop()
		c.cmd.ClearPendingCommands()
		err = c.conn.Close()
		c.pool.Close()
	})
	return err
}
