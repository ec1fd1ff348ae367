// Command flowctl runs a small example pipeline: a generator source posts
// ticks through an emitter, a store-writer element persists them to a psi
// store on disk, a diagnostics sampler periodically snapshots the graph,
// and a bridge listener lets remote processes subscribe to that
// diagnostics stream over a websocket.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"flowline/internal/bridge"
	"flowline/internal/clock"
	configpkg "flowline/internal/config"
	"flowline/internal/diagnostics"
	"flowline/internal/emitter"
	"flowline/internal/envelope"
	"flowline/internal/logging"
	"flowline/internal/pipeline"
	"flowline/internal/psistore"
	"flowline/internal/scheduler"
)

const (
	generatorElementID   uint32 = 1
	storeWriterElementID uint32 = 2
	diagnosticsElementID uint32 = 3

	generatorEmitterID  uint32 = 10
	storeWriterRecvID   uint32 = 20
	diagnosticsEmitID   uint32 = 30
	diagnosticsRecvID   uint32 = 31
	generatorTickPeriod        = time.Second
)

var nextBridgeID atomic.Uint32

func allocateBridgeIDs() (output, input, emit, recv uint32) {
	base := 1000 + nextBridgeID.Add(1)*4
	return base, base + 1, base + 2, base + 3
}

func main() {
	cfg, err := configpkg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowctl: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowctl: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	storeDir := cfg.StatePath
	if storeDir == "" {
		storeDir = "storage/flowctl"
	}

	clk := clock.New()
	logger = logger.WithClock(clk)
	logging.ReplaceGlobals(logger)
	root := pipeline.NewRoot("flowctl", cfg.WorkerPoolSize, clk, false)

	collector := diagnostics.NewCollector()
	collector.RegisterPipeline(root.ID, root.Name, 0, false)

	exporter, err := psistore.NewExporter(storeDir, "ticks", cfg.PageSize)
	if err != nil {
		logger.Fatal("flowctl: failed to open psi store", logging.Error(err), logging.String("dir", storeDir))
	}
	tickStream, err := exporter.OpenStream("generator", "uint32", false)
	if err != nil {
		logger.Fatal("flowctl: failed to open tick stream", logging.Error(err))
	}

	retention := psistore.NewRetention(storeDir, psistore.RetentionPolicy{MaxStores: 8}, logger.With(logging.String("component", "retention")))
	retentionCtx, stopRetention := context.WithCancel(context.Background())
	go retention.Run(retentionCtx, cfg.StateInterval)

	genSync := scheduler.NewSyncContext()
	genElem := pipeline.NewElement(generatorElementID, "generator", true, genSync)
	root.AddElement(genElem)
	collector.RegisterElement(root.ID, genElem.ID, genElem.Name, genElem.IsSource)

	genEmitter := emitter.New[[]byte](generatorEmitterID, "generator:out", generatorElementID)
	genElem.AddEmitter(generatorEmitterID, genEmitter)
	collector.RegisterEmitter(generatorEmitterID, generatorElementID, "generator:out")

	genDone := make(chan struct{})
	genElem.OnStart = func(notifyCompletion func(clock.Instant)) {
		go runGenerator(clk, genEmitter, genDone, generatorTickPeriod, logger)
	}
	genElem.OnStop = func(finalOriginatingTime clock.Instant, notifyCompleted func()) {
		close(genDone)
		notifyCompleted()
	}

	storeSync := scheduler.NewSyncContext()
	storeElem := pipeline.NewElement(storeWriterElementID, "store-writer", false, storeSync)
	root.AddElement(storeElem)
	collector.RegisterElement(root.ID, storeElem.ID, storeElem.Name, storeElem.IsSource)

	storeReceiver := emitter.NewReceiver[[]byte](storeWriterRecvID, "store-writer:in", storeWriterElementID, func(msg envelope.Message[[]byte]) {
		if err := exporter.WriteMessage(tickStream.ID, msg.Envelope, msg.Payload); err != nil {
			logger.Error("flowctl: write tick to store failed", logging.Error(err))
		}
	}, root.Scheduler(), root.MainContext(), storeSync, func(err error) {
		logger.Error("flowctl: store-writer overflow", logging.Error(err))
	})
	storeElem.AddReceiver(storeWriterRecvID, storeReceiver)
	collector.RegisterReceiver(storeWriterRecvID, storeWriterElementID, "store-writer:in", "unlimited", storeReceiver)

	if err := genEmitter.Subscribe(storeReceiver, emitter.Unlimited()); err != nil {
		logger.Fatal("flowctl: subscribe store-writer failed", logging.Error(err))
	}

	diagSync := scheduler.NewSyncContext()
	diagElem := pipeline.NewElement(diagnosticsElementID, "diagnostics", false, diagSync)
	root.AddElement(diagElem)
	collector.RegisterElement(root.ID, diagElem.ID, diagElem.Name, diagElem.IsSource)

	diagEmitter := emitter.New[[]byte](diagnosticsEmitID, "diagnostics:out", diagnosticsElementID)
	diagElem.AddEmitter(diagnosticsEmitID, diagEmitter)
	collector.RegisterEmitter(diagnosticsEmitID, diagnosticsElementID, "diagnostics:out")

	sampler, err := diagnostics.NewSampler(collector, diagEmitter, clk, cfg.DiagnosticsSampleInterval, cfg.DiagnosticsAveragingSpan, logger.With(logging.String("component", "diagnostics")))
	if err != nil {
		logger.Fatal("flowctl: failed to construct diagnostics sampler", logging.Error(err))
	}
	samplerCtx, stopSampler := context.WithCancel(context.Background())
	sampler.Start(samplerCtx)

	listener := bridge.NewListener(logger.With(logging.String("component", "bridge")), cfg.AllowedOrigins)

	mux := http.NewServeMux()
	mux.HandleFunc("/bridge/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		handleBridgeDiagnostics(w, r, listener, diagEmitter, root, clk, logger)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"state":%q,"elements":%d}`, root.State().String(), 3)
	})

	server := &http.Server{Addr: cfg.BridgeAddress, Handler: logging.HTTPTraceMiddleware(logger)(mux)}

	if err := root.RunAsync(clock.ReplayAll); err != nil {
		logger.Fatal("flowctl: failed to start pipeline", logging.Error(err))
	}
	logger.Info("flowctl: pipeline running", logging.String("store_dir", storeDir))

	go func() {
		logger.Info("flowctl: bridge listener starting", logging.String("address", cfg.BridgeAddress))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("flowctl: bridge listener terminated", logging.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("flowctl: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	if err := root.Stop(clk.Now(), false); err != nil {
		logger.Error("flowctl: pipeline stop failed", logging.Error(err))
	}
	sampler.Stop()
	stopSampler()
	stopRetention()
	if err := exporter.Close(); err != nil {
		logger.Error("flowctl: store close failed", logging.Error(err))
	}
	for _, err := range root.Errors() {
		logger.Error("flowctl: pipeline error", logging.Error(err))
	}
}

// runGenerator posts a monotonically increasing tick every period until
// done is closed.
func runGenerator(clk *clock.Clock, out *emitter.Emitter[[]byte], done <-chan struct{}, period time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	var tick uint32
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			payload := make([]byte, 4)
			binary.LittleEndian.PutUint32(payload, tick)
			tick++
			if err := out.Post(payload, clk.Now(), clk.Now); err != nil {
				logger.Warn("flowctl: post tick failed", logging.Error(err))
			}
		}
	}
}

// handleBridgeDiagnostics upgrades the request to a websocket connection and
// relays every diagnostics snapshot across it until the client disconnects.
func handleBridgeDiagnostics(w http.ResponseWriter, r *http.Request, listener *bridge.Listener, diagEmitter *emitter.Emitter[[]byte], root *pipeline.Pipeline, clk *clock.Clock, logger *logging.Logger) {
	conn, err := listener.Accept(w, r)
	if err != nil {
		logger.Warn("flowctl: bridge upgrade failed", logging.Error(err))
		return
	}

	outputID, inputID, emitID, recvID := allocateBridgeIDs()
	sctx := root.Scheduler().NewContext(fmt.Sprintf("bridge-%d", outputID))
	syncCtx := scheduler.NewSyncContext()
	connector := bridge.New(outputID, inputID, emitID, recvID, conn, root.Scheduler(), sctx, syncCtx, clk, logger, bridge.Options{Name: fmt.Sprintf("viewer-%d", outputID)})

	if err := diagEmitter.Subscribe(connector.Receiver(), emitter.Latest()); err != nil {
		logger.Warn("flowctl: subscribe bridge viewer failed", logging.Error(err))
		connector.Close()
		return
	}

	// Fold the connector's element pair into the running pipeline so
	// root.Stop drains and finalizes it like any other node; since it joins
	// after RunAsync's one-time activation pass, its OnStart is invoked here
	// directly rather than by the pipeline.
	root.AddElement(connector.Output)
	root.AddElement(connector.Input)
	connector.Input.OnStart(func(clock.Instant) {})

	logger.Info("flowctl: bridge viewer connected", logging.String("remote", r.RemoteAddr))
}
