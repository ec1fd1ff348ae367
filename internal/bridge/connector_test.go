package bridge

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowline/internal/clock"
	"flowline/internal/emitter"
	"flowline/internal/envelope"
	"flowline/internal/logging"
	"flowline/internal/scheduler"
)

func newTestConnector(t *testing.T, sched *scheduler.Scheduler, conn Transport, name string) *Connector {
	t.Helper()
	sctx := sched.NewContext(name)
	sync := scheduler.NewSyncContext()
	clk := clock.New()
	c := New(1, 2, 10, 20, conn, sched, sctx, sync, clk, logging.NewTestLogger(), Options{Name: name, PingInterval: time.Hour})
	t.Cleanup(c.Close)
	return c
}

func dialPair(t *testing.T) (server Transport, client Transport) {
	t.Helper()
	upgrader := NewListener(logging.NewTestLogger(), nil)
	connCh := make(chan Transport, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Accept(w, r)
		require.NoError(t, err)
		connCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + srv.URL[len("http"):]
	clientConn, err := Dial(url, nil)
	require.NoError(t, err)

	serverConn := <-connCh
	return serverConn, clientConn
}

func TestConnectorDeliversAcrossWebsocket(t *testing.T) {
	serverTransport, clientTransport := dialPair(t)

	clk := clock.New()
	sched := scheduler.New(2, clk, false, nil)
	sched.Start()
	t.Cleanup(sched.Stop)

	serverSide := newTestConnector(t, sched, serverTransport, "server")
	clientSide := newTestConnector(t, sched, clientTransport, "client")
	clientSide.Input.OnStart(func(clock.Instant) {})

	var mu sync.Mutex
	var received []envelope.Message[[]byte]
	sinkSched := scheduler.New(1, clk, false, nil)
	sinkSched.Start()
	t.Cleanup(sinkSched.Stop)
	sctx := sinkSched.NewContext("sink")
	sy := scheduler.NewSyncContext()
	r := emitter.NewReceiver[[]byte](30, "sink", 0, func(m envelope.Message[[]byte]) {
		mu.Lock()
		received = append(received, m)
		mu.Unlock()
	}, sinkSched, sctx, sy, nil)
	require.NoError(t, clientSide.Emitter().Subscribe(r, emitter.Unlimited()))

	env := envelope.Envelope{SourceID: 99, SequenceID: 1, OriginatingTime: clock.Instant(100), CreationTime: clock.Instant(100)}
	require.NoError(t, serverSide.Send([]byte("hello"), env))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	msg := received[0]
	mu.Unlock()
	require.Equal(t, []byte("hello"), msg.Payload)
	require.Equal(t, uint32(99), msg.Envelope.SourceID)
	require.Equal(t, clock.Instant(100), msg.Envelope.OriginatingTime)
}

func TestConnectorOutputReceiverForwardsToWire(t *testing.T) {
	serverTransport, clientTransport := dialPair(t)

	clk := clock.New()
	sched := scheduler.New(2, clk, false, nil)
	sched.Start()
	t.Cleanup(sched.Stop)

	serverSide := newTestConnector(t, sched, serverTransport, "server")
	clientSide := newTestConnector(t, sched, clientTransport, "client")
	clientSide.Input.OnStart(func(clock.Instant) {})

	var mu sync.Mutex
	var received []envelope.Message[[]byte]
	sinkSched := scheduler.New(1, clk, false, nil)
	sinkSched.Start()
	t.Cleanup(sinkSched.Stop)
	sctx := sinkSched.NewContext("sink")
	sy := scheduler.NewSyncContext()
	r := emitter.NewReceiver[[]byte](31, "sink", 0, func(m envelope.Message[[]byte]) {
		mu.Lock()
		received = append(received, m)
		mu.Unlock()
	}, sinkSched, sctx, sy, nil)
	require.NoError(t, clientSide.Emitter().Subscribe(r, emitter.Unlimited()))

	local := emitter.New[[]byte](40, "local", 0)
	require.NoError(t, local.Subscribe(serverSide.Receiver(), emitter.Unlimited()))

	require.NoError(t, local.Post([]byte("world"), clock.Instant(5), func() clock.Instant { return clock.Instant(5) }))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)
}
