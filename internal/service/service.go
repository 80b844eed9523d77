// Package service wires the configuration into a running daemon: memory
// locking, the job journal, the generator backends, the engine, the
// registry with its retention sweeper and the HTTP interface.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/keygrind/keygrind/internal/cpu"
	"github.com/keygrind/keygrind/internal/gpu"
	"github.com/keygrind/keygrind/internal/grind"
	"github.com/keygrind/keygrind/internal/journal"
	"github.com/keygrind/keygrind/internal/memlock"
	"github.com/keygrind/keygrind/internal/model"
	"github.com/keygrind/keygrind/internal/registry"
	"github.com/keygrind/keygrind/internal/server"
)

const closeTimeout = 10 * time.Second

// Run starts the daemon and blocks until ctx is cancelled or the HTTP
// server fails.
func Run(ctx context.Context, cfg model.Config) error {
	if err := memlock.Lock(); err != nil {
		slog.WarnContext(ctx, "cannot lock memory, key material may reach swap", "error", err)
	}

	var opts []registry.Option
	if cfg.Journal != nil && cfg.Journal.Path != "" {
		j, err := journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer func() {
			if err := j.Close(); err != nil {
				slog.ErrorContext(ctx, "closing journal failed", "error", err)
			}
		}()
		opts = append(opts, registry.WithJournal(j))
	}

	backends, err := Backends(ctx, cfg)
	if err != nil {
		return err
	}
	engine := grind.New(backends)
	defer closeEngine(ctx, engine)

	reg := registry.New(engine, opts...)

	if cfg.Retention != nil {
		sweeper, err := registry.NewSweeper(ctx, reg, *cfg.Retention)
		if err != nil {
			return fmt.Errorf("initializing retention sweeper: %w", err)
		}
		sweeper.Start()
		defer func() {
			if err := sweeper.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down sweeper failed", "error", err)
			}
		}()
	}

	srv, err := server.New(reg)
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	addr, err := listenAddr(cfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Listen(gctx, addr, srv.Routes())
	})
	return g.Wait()
}

// Grind runs a single search without the HTTP surface and writes the
// matches as JSON lines to out. Used by the CLI grind command.
func Grind(ctx context.Context, cfg model.Config, spec model.TargetSpec, out io.Writer) error {
	backends, err := Backends(ctx, cfg)
	if err != nil {
		return err
	}
	engine := grind.New(backends)
	defer closeEngine(ctx, engine)

	reg := registry.New(engine)
	id, err := reg.Submit(ctx, spec)
	if err != nil {
		return err
	}
	done, err := reg.Wait(id)
	if err != nil {
		return err
	}

	select {
	case <-done:
	case <-ctx.Done():
		if err := reg.Cancel(id); err != nil {
			return err
		}
		<-done
	}

	view, err := reg.View(id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	for _, m := range view.Matches {
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("writing match: %w", err)
		}
	}
	if view.Status == model.StatusFailed {
		return fmt.Errorf("grind failed: %s", view.Error)
	}
	return nil
}

// Backends builds the generator set from the configuration. A GPU that
// can't initialize only logs, the job continues on the CPU, but no backend
// at all is an error.
func Backends(ctx context.Context, cfg model.Config) ([]grind.Backend, error) {
	var backends []grind.Backend

	if cfg.CPU == nil || get(cfg.CPU.Enabled, true) {
		backends = append(backends, cpu.New(cfg.CPU.WorkerCount()))
	}

	if cfg.GPU != nil && get(cfg.GPU.Enabled, false) {
		b, err := gpuBackend(cfg.GPU)
		if err != nil {
			slog.WarnContext(ctx, "gpu backend unavailable, continuing without it", "error", err)
		} else {
			backends = append(backends, b)
		}
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no backend enabled: %w", model.ErrAllBackendsFailed)
	}
	return backends, nil
}

func gpuBackend(cfg *model.GPU) (*gpu.Backend, error) {
	var gcfg gpu.Config
	if cfg.Helper != "" {
		viper.SetConfigFile(cfg.Helper)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading gpu helper config: %w", err)
		}
		var err error
		gcfg, err = gpu.ParseConfig("gpu")
		if err != nil {
			return nil, fmt.Errorf("parsing gpu helper config: %w", err)
		}
	}
	if cfg.BatchSize != nil {
		gcfg.BatchSize = *cfg.BatchSize
	}

	devices := gpu.Probe()
	if len(cfg.Devices) > 0 {
		wanted := make([]gpu.Device, 0, len(cfg.Devices))
		for _, d := range devices {
			for _, idx := range cfg.Devices {
				if d.Index == idx {
					wanted = append(wanted, d)
				}
			}
		}
		devices = wanted
	}
	return gpu.NewBackend(gcfg, devices)
}

func listenAddr(cfg model.Config) (string, error) {
	listen := model.DefaultListen
	if cfg.Listen != nil && *cfg.Listen != "" {
		listen = *cfg.Listen
	}
	var addr model.TCPAddr
	if err := addr.UnmarshalText([]byte(listen)); err != nil {
		return "", fmt.Errorf("parsing listen address %q: %w", listen, err)
	}
	return addr.String(), nil
}

func closeEngine(ctx context.Context, engine *grind.Engine) {
	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := engine.Close(closeCtx); err != nil {
		slog.ErrorContext(ctx, "closing engine failed", "error", err)
	}
}

func get[T any](pt *T, dflt T) T {
	if pt == nil {
		return dflt
	}
	return *pt
}
