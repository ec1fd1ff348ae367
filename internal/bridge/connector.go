// Package bridge implements the Connector (spec.md §4.6, §9): a pair of
// pipeline elements, bridge-linked to each other, that move envelopes
// across a websocket transport between two pipelines. Output drains a
// local stream and frames it onto the wire; Input frames arriving wire
// messages back onto a local emitter.
package bridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"flowline/internal/clock"
	"flowline/internal/emitter"
	"flowline/internal/envelope"
	"flowline/internal/logging"
	"flowline/internal/pipeline"
	"flowline/internal/scheduler"
)

// DefaultPingInterval matches the teacher's websocket keepalive cadence.
const DefaultPingInterval = 30 * time.Second

const pongWaitMultiplier = 3
const writeWait = 10 * time.Second

// ErrClosed is returned by Send once the connector has been closed.
var ErrClosed = errors.New("bridge: connector closed")

// Transport is the duplex message connection a Connector frames envelopes
// over. *websocket.Conn satisfies it directly; tests may supply a fake.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

var _ Transport = (*websocket.Conn)(nil)

// Options configures a Connector.
type Options struct {
	Name            string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	SendQueueDepth  int
}

// Connector bridges a local pipeline to a remote one over conn. Output is
// the local sink element: subscribe it (via Receiver) to whatever local
// emitter should be shipped across the wire. Input is the local source
// element: subscribe local receivers to its Emitter to consume whatever
// arrives from the wire. Output.Bridge and Input.Bridge point at each
// other so the finalizer fuses them into a single node (spec.md §4.6):
// neither side can locally observe whether the remote peer's graph still
// has live producers, so they must not be finalized independently.
type Connector struct {
	Name string

	Output *pipeline.Element
	Input  *pipeline.Element

	conn         Transport
	log          *logging.Logger
	pingInterval time.Duration
	maxPayload   int64

	inEmitter  *emitter.Emitter[[]byte]
	outReceiver *emitter.Receiver[[]byte]

	sendCh chan []byte

	mu         sync.Mutex
	closed     bool
	closeCh    chan struct{}
	readDoneCh chan struct{}
}

// New constructs a Connector over conn. outputID/inputID are the element
// ids for the sink/source halves; emitterID/receiverID name Input's
// outward emitter and Output's inward receiver. sched/sctx/sync govern how
// Output's drain callback is scheduled, matching every other receiver in
// the pipeline.
func New(outputID, inputID, emitterID, receiverID uint32, conn Transport, sched *scheduler.Scheduler, sctx *scheduler.Context, syncCtx *scheduler.SyncContext, clk *clock.Clock, log *logging.Logger, opts Options) *Connector {
	if log == nil {
		log = logging.L()
	}
	log = log.WithClock(clk)
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.SendQueueDepth <= 0 {
		opts.SendQueueDepth = 256
	}
	if opts.Name == "" {
		opts.Name = "connector"
	}
	if opts.MaxPayloadBytes > 0 {
		conn.SetReadLimit(opts.MaxPayloadBytes)
	}

	c := &Connector{
		Name:         opts.Name,
		conn:         conn,
		log:          log,
		pingInterval: opts.PingInterval,
		maxPayload:   opts.MaxPayloadBytes,
		sendCh:       make(chan []byte, opts.SendQueueDepth),
		closeCh:      make(chan struct{}),
		readDoneCh:   make(chan struct{}),
	}

	c.Output = pipeline.NewElement(outputID, opts.Name+":output", false, syncCtx)
	c.Input = pipeline.NewElement(inputID, opts.Name+":input", true, syncCtx)
	c.Output.Bridge = c.Input
	c.Input.Bridge = c.Output

	c.inEmitter = emitter.New[[]byte](emitterID, opts.Name+":in", inputID)
	c.Input.AddEmitter(emitterID, c.inEmitter)

	c.outReceiver = emitter.NewReceiver[[]byte](receiverID, opts.Name+":out", outputID, c.handleOutbound, sched, sctx, syncCtx, func(err error) {
		c.log.Error("bridge: outbound delivery overflow", logging.Error(err), logging.String("connector", c.Name))
	})
	c.Output.AddReceiver(receiverID, c.outReceiver)

	c.Input.OnStart = func(notifyCompletion func(clock.Instant)) {
		go c.readLoop(notifyCompletion)
	}
	c.Input.OnStop = func(finalOriginatingTime clock.Instant, notifyCompleted func()) {
		c.closeTransport()
		<-c.readDoneCh
		notifyCompleted()
	}
	c.Output.OnStop = func(finalOriginatingTime clock.Instant, notifyCompleted func()) {
		notifyCompleted()
	}

	go c.writeLoop()

	return c
}

// Receiver returns the Output element's receiver: subscribe a local
// emitter's stream to it to ship that stream across the bridge.
func (c *Connector) Receiver() *emitter.Receiver[[]byte] { return c.outReceiver }

// Emitter returns the Input element's emitter: subscribe local receivers
// to it to consume whatever arrives from the remote peer.
func (c *Connector) Emitter() *emitter.Emitter[[]byte] { return c.inEmitter }

func (c *Connector) handleOutbound(msg envelope.Message[[]byte]) {
	frame := make([]byte, envelope.BinarySize+len(msg.Payload))
	if err := envelope.Encode(msg.Envelope, frame); err != nil {
		c.log.Error("bridge: encode outbound envelope failed", logging.Error(err), logging.String("connector", c.Name))
		return
	}
	copy(frame[envelope.BinarySize:], msg.Payload)

	select {
	case c.sendCh <- frame:
	case <-c.closeCh:
	}
}

func (c *Connector) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case frame := <-c.sendCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Error("bridge: set write deadline failed", logging.Error(err), logging.String("connector", c.Name))
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.log.Error("bridge: write failed", logging.Error(err), logging.String("connector", c.Name))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Warn("bridge: ping failed", logging.Error(err), logging.String("connector", c.Name))
				return
			}
		}
	}
}

func (c *Connector) readLoop(notifyCompletion func(clock.Instant)) {
	defer close(c.readDoneCh)

	waitDuration := time.Duration(pongWaitMultiplier) * c.pingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(waitDuration))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.log.Info("bridge: read loop ended", logging.Error(err), logging.String("connector", c.Name))
			notifyCompletion(clock.MaxInstant)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(waitDuration))
		if messageType != websocket.BinaryMessage {
			continue
		}
		if len(data) < envelope.BinarySize {
			c.log.Warn("bridge: dropping undersized frame", logging.Int("bytes", len(data)), logging.String("connector", c.Name))
			continue
		}
		env, err := envelope.Decode(data)
		if err != nil {
			c.log.Warn("bridge: decode envelope failed", logging.Error(err), logging.String("connector", c.Name))
			continue
		}
		payload := append([]byte(nil), data[envelope.BinarySize:]...)
		if err := c.inEmitter.Deliver(payload, env); err != nil && !errors.Is(err, emitter.ErrOutOfOrderEmission) {
			c.log.Warn("bridge: deliver failed", logging.Error(err), logging.String("connector", c.Name))
		}
	}
}

func (c *Connector) closeTransport() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.closeCh)
	_ = c.conn.Close()
}

// Close shuts the connector's transport and write loop down. Safe to call
// more than once.
func (c *Connector) Close() {
	c.closeTransport()
}

// Send frames payload with env directly onto the wire, bypassing the
// Output element's receiver. Used by callers that already hold a minted
// envelope (e.g. a finished-replay forwarder) rather than going through a
// live local emitter subscription.
func (c *Connector) Send(payload []byte, env envelope.Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	frame := make([]byte, envelope.BinarySize+len(payload))
	if err := envelope.Encode(env, frame); err != nil {
		return fmt.Errorf("bridge: encode frame: %w", err)
	}
	copy(frame[envelope.BinarySize:], payload)
	select {
	case c.sendCh <- frame:
		return nil
	case <-c.closeCh:
		return ErrClosed
	}
}
