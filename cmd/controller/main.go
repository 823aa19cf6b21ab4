package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/danielpatrickdp/pulsemind/control-engine/internal/audit"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/codec"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/config"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/dispatch"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/engine"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/ingress"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/signals"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/state"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/telemetry"
)

// #region main
func main() {
	if err := run(); err != nil {
		log.Fatalf("[MAIN] %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint, cfg.ServiceName)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	// Initialize state store
	store, err := state.NewStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	keys, err := cfg.Keyring()
	if err != nil {
		return err
	}
	recorder, err := audit.NewRecorder(store.DB(), keys, cfg.AuditRecorder())
	if err != nil {
		return err
	}

	gatherer, closeProducers, err := dialProducers(cfg)
	if err != nil {
		return err
	}
	defer closeProducers()

	latest := dispatch.NewLatest()
	async := dispatch.NewAsync(dispatch.Log{}, cfg.DispatchTimeout)
	eng, err := engine.New(cfg.Engine(), engine.Deps{
		Table:      state.NewTable(),
		Gatherer:   gatherer,
		Store:      store,
		Recorder:   recorder,
		Dispatcher: dispatch.Fanout{latest, async},
	})
	if err != nil {
		return err
	}

	n, err := eng.Restore(ctx)
	if err != nil {
		return err
	}
	log.Printf("[MAIN] restored %d session(s) from %s", n, cfg.DBPath)

	api := &ingress.Server{
		Engine:    eng,
		Latest:    latest,
		AuditDB:   store.DB(),
		Sealer:    keys,
		Stats:     recorder.Stats,
		JWTSecret: []byte(cfg.JWTSecret),
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var wg sync.WaitGroup
	if cfg.DecideInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decideLoop(ctx, eng, cfg.DecideInterval)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[MAIN] listening on %s (audit key=%s, %s)", cfg.HTTPAddr, keys.ActiveKeyID(), keys.Algorithm())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Println("[MAIN] shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[MAIN] http shutdown: %v", err)
	}
	wg.Wait()
	if err := async.Wait(shutdownCtx); err != nil {
		log.Printf("[MAIN] %v", err)
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		log.Printf("[MAIN] %v", err)
	}
	st := recorder.Stats()
	log.Printf("[MAIN] audit written=%d spooled=%d pending=%d failures=%d last_seq=%d", st.Written, st.Spooled, st.Pending, st.Failures, st.LastSequence)
	return nil
}

// #endregion main

// #region producers
// dialProducers connects each configured producer. Producers sharing an
// address share a connection. With no producers configured the engine runs
// push-only.
func dialProducers(cfg config.Config) (*signals.Gatherer, func(), error) {
	clients := make(map[string]*codec.ProducerClient)
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}
	dial := func(addr string) (*codec.ProducerClient, error) {
		if addr == "" {
			return nil, nil
		}
		if c, ok := clients[addr]; ok {
			return c, nil
		}
		c, err := codec.NewProducerClient(addr)
		if err != nil {
			return nil, err
		}
		clients[addr] = c
		return c, nil
	}

	features, err := dial(cfg.FeaturesAddr)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	hsi, err := dial(cfg.HSIAddr)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	rhythm, err := dial(cfg.RhythmAddr)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	if len(clients) == 0 {
		log.Println("[MAIN] no producers configured; decisions require pushed input")
		return nil, closeAll, nil
	}

	// A nil *ProducerClient must become a nil interface so the gatherer
	// reports that producer as not configured.
	var fs signals.FeatureSource
	var hs signals.HSISource
	var rs signals.RhythmSource
	if features != nil {
		fs = features
	}
	if hsi != nil {
		hs = hsi
	}
	if rhythm != nil {
		rs = rhythm
	}
	return signals.NewGatherer(fs, hs, rs, cfg.GatherTimeout), closeAll, nil
}

// #endregion producers

// #region decide-loop
// decideLoop triggers a pull decision for every session on each tick.
// Sessions are decided concurrently; a slow session does not delay others.
func decideLoop(ctx context.Context, eng *engine.Engine, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		var wg sync.WaitGroup
		for _, id := range eng.Sessions() {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if _, err := eng.Decide(ctx, id); err != nil && !errors.Is(err, state.ErrUnknownSession) {
					log.Printf("[MAIN] session=%s decide: %v", id, err)
				}
			}(id)
		}
		wg.Wait()
	}
}

// #endregion decide-loop
