// Package gpu is the GPU keypair generator. Device kernels live in an
// external helper process, the backend dispatches one helper invocation
// per batch per device and re-verifies every returned candidate host side
// before promoting it to a match.
package gpu

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/mr-tron/base58"

	"github.com/keygrind/keygrind/internal/grind"
	"github.com/keygrind/keygrind/internal/model"
	"github.com/keygrind/keygrind/internal/parallel"
)

// Device is one probed GPU.
type Device struct {
	Index int
	Path  string
}

// Probe discovers devices from the kernel interfaces: the NVIDIA procfs
// tree first, DRM cards otherwise. Hosts without these files, non-Linux
// ones included, report no devices.
func Probe() []Device {
	if entries, err := os.ReadDir("/proc/driver/nvidia/gpus"); err == nil && len(entries) > 0 {
		devices := make([]Device, 0, len(entries))
		for i, e := range entries {
			devices = append(devices, Device{
				Index: i,
				Path:  filepath.Join("/proc/driver/nvidia/gpus", e.Name()),
			})
		}
		return devices
	}

	cards, _ := filepath.Glob("/sys/class/drm/card[0-9]*/device/vendor")
	devices := make([]Device, 0, len(cards))
	for i, c := range cards {
		devices = append(devices, Device{Index: i, Path: c})
	}
	return devices
}

// Backend drives the helper process over a set of devices.
//
// The batch size trades throughput for cancellation latency: a stop signal
// is honored only after the in-flight batches complete, so the worst case
// stop latency is one batch (bounded by the helper timeout).
type Backend struct {
	devices []Device
	cmd     Command
	batch   int
}

// NewBackend fails with model.ErrBackendUnavailable when no device was
// probed or no helper command is configured, the caller then falls back to
// the remaining backends.
func NewBackend(cfg Config, devices []Device) (*Backend, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("no gpu device found: %w", model.ErrBackendUnavailable)
	}
	if cfg.Command.Path == "" {
		return nil, fmt.Errorf("no helper command configured: %w", model.ErrBackendUnavailable)
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = model.DefaultBatchSize
	}
	return &Backend{
		devices: devices,
		cmd:     cfg.Cmd(),
		batch:   batch,
	}, nil
}

func (b *Backend) Name() string {
	return model.BackendGPU
}

// Run dispatches batches until cancellation. A round where every device
// batch failed disables the backend with model.ErrBackendUnavailable,
// partial failures only log.
func (b *Backend) Run(ctx context.Context, req grind.Request) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		var failures int
		pmap := parallel.NewMap(ctx, len(b.devices), func(ctx context.Context, dev Device) ([]string, error) {
			return b.runBatch(ctx, dev, req.Spec)
		})
		for seeds, err := range pmap.Iter(parallel.Slice(b.devices)) {
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.WarnContext(ctx, "gpu batch failed", "error", err)
				failures++
				continue
			}
			req.Attempts.Add(uint64(b.batch))
			if !b.verify(ctx, req, seeds) {
				return nil
			}
		}

		if failures == len(b.devices) {
			return fmt.Errorf("all %d device batches failed: %w", len(b.devices), model.ErrBackendUnavailable)
		}
	}
}

// verify re-derives every candidate seed and evaluates the host side
// matcher, a defense against encoding shortcuts in the device kernels.
// Returns false when the job is being cancelled.
func (b *Backend) verify(ctx context.Context, req grind.Request, seeds []string) bool {
	for _, s := range seeds {
		raw, err := base58.Decode(s)
		if err != nil {
			continue // malformed candidate, not an error
		}
		c, err := req.Deriver.FromSeed(raw)
		if err != nil {
			continue
		}
		if !req.Matcher.Matches(c.Address) {
			continue
		}
		if !req.Emit(ctx, c.Match(model.BackendGPU, req.Attempts.Load())) {
			return false
		}
	}
	return true
}

func (b *Backend) runBatch(ctx context.Context, dev Device, spec model.TargetSpec) ([]string, error) {
	cmd := b.cmd
	cmd.Args = append(slices.Clone(cmd.Args),
		"--device", strconv.Itoa(dev.Index),
		"--batch", strconv.Itoa(b.batch),
	)
	cmd.Env = append(slices.Clone(cmd.Env),
		"KEYGRIND_SCHEME="+string(spec.Scheme),
		"KEYGRIND_BASE="+spec.Base,
		"KEYGRIND_OWNER="+spec.Owner,
		"KEYGRIND_PATTERN="+spec.Pattern,
		"KEYGRIND_KIND="+string(spec.Kind),
	)

	runner := NewRunner()
	defer runner.Close()
	stderr := func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "gpu helper", "device", dev.Index, "line", line)
	}
	if err := runner.Start(ctx, cmd, stderr); err != nil {
		return nil, fmt.Errorf("starting helper: %w", err)
	}

	select {
	case res := <-runner.ResultsChan():
		if res.Err != nil {
			return nil, fmt.Errorf("helper on device %d: %w", dev.Index, res.Err)
		}
		return parseCandidates(res.Stdout), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// candidate lines are NDJSON: {"seed":"<base58 private material>"}
type candidateLine struct {
	Seed string `json:"seed"`
}

func parseCandidates(stdout *bytes.Buffer) []string {
	var seeds []string
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var c candidateLine
		if err := json.Unmarshal(line, &c); err != nil || c.Seed == "" {
			continue
		}
		seeds = append(seeds, c.Seed)
	}
	return seeds
}
