package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fourstroke/ecucore/internal/config"
	"github.com/fourstroke/ecucore/internal/core"
	"github.com/fourstroke/ecucore/internal/store"
	"github.com/fourstroke/ecucore/internal/telemetry"
	"github.com/fourstroke/ecucore/web"
)

func main() {
	configPath := flag.String("config", "/etc/ecucore/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated tooth/sensor generator instead of the bench rig")
	listenAddr := flag.String("listen", "", "Override telemetry listen address (e.g. :8090)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] ecucore starting")

	cfg := config.LoadConfig(*configPath)

	if *demo {
		cfg.Bench.Type = "emulated"
	}
	if *listenAddr != "" {
		cfg.Telemetry.ListenAddr = *listenAddr
	}

	kv, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatalf("[main] store open failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	logger := telemetry.NewLogger(cfg.Telemetry.LogPath, cfg.Telemetry.LogEnabled, cfg.Telemetry.LogEveryN)
	defer logger.Close()

	src := core.BuildSource(cfg.Bench)

	var ctrl *core.Controller
	telemetrySrv := telemetry.New(cfg, web.FS, logger, func() {
		_, _, clCfg := cfg.Snapshot()
		ctrl.SetClosedLoopEnabled(clCfg.Enabled)
	})
	ctrl = core.New(cfg, kv, telemetrySrv)

	go func() {
		connectWithRetry(ctx, src.Name(), src, 10)
		if err := src.Run(ctx, ctrl); err != nil && ctx.Err() == nil {
			log.Printf("[main] bench source %s exited: %v", src.Name(), err)
		}
	}()

	go ctrl.Run(ctx)

	if err := telemetrySrv.Run(ctx, cfg.Telemetry.ListenAddr); err != nil {
		log.Printf("[main] telemetry server exited: %v", err)
	}
}

// connectable is satisfied by bench.Source.
type connectable interface {
	Connect(ctx context.Context) error
	Close() error
}

// connectWithRetry attempts to connect with exponential backoff. Starts at
// 1s, doubles each attempt up to 60s, retries up to maxAttempts then
// continues at max interval indefinitely. The telemetry server and core
// loop start regardless, so the diagnostic page is reachable while the
// bench rig is still coming up.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.Connect(ctx); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}
	}
}
