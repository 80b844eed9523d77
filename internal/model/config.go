package model

import (
	"context"
	"io"
	"runtime"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

// Enum helpers (optional).
const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultListen    = "localhost:3001"
	DefaultBatchSize = 65536
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version   int        `json:"version" yaml:"version"` // fixed 0 for now
	Listen    *string    `json:"listen,omitempty" yaml:"listen,omitempty"`
	CPU       *CPU       `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	GPU       *GPU       `json:"gpu,omitempty" yaml:"gpu,omitempty"`
	Retention *Retention `json:"retention,omitempty" yaml:"retention,omitempty"`
	Journal   *Journal   `json:"journal,omitempty" yaml:"journal,omitempty"`
	Service   Service    `json:"service" yaml:"service"`
}

// CPU backend settings.
type CPU struct {
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Workers *int  `json:"workers,omitempty" yaml:"workers,omitempty"` // nil => GOMAXPROCS
}

// GPU backend settings, the helper command itself is configured
// via the viper block, see internal/gpu.
type GPU struct {
	Enabled   *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Devices   []int  `json:"devices,omitempty" yaml:"devices,omitempty"` // explicit devices (empty => probe)
	BatchSize *int   `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	Helper    string `json:"helper,omitempty" yaml:"helper,omitempty"` // path of keygrind-gpu helper config
}

// Retention of terminal jobs in the registry.
type Retention struct {
	Cron     *string `json:"cron,omitempty" yaml:"cron,omitempty"`         // sweep schedule, cron expression
	Duration *string `json:"duration,omitempty" yaml:"duration,omitempty"` // sweep schedule, ISO8601 duration
	TTL      *string `json:"ttl,omitempty" yaml:"ttl,omitempty"`           // ISO8601 duration
}

// Journal keeps a job lifecycle record on disk. No key material is stored.
type Journal struct {
	Path string `json:"path" yaml:"path"`
}

type Service struct {
	Verbose *bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log     *string `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"
}

// WorkerCount returns the configured CPU workers or GOMAXPROCS.
func (c *CPU) WorkerCount() int {
	if c != nil && c.Workers != nil && *c.Workers > 0 {
		return *c.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("keygrind.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DefaultConfig is used when no config file exists yet.
func DefaultConfig(_ context.Context) Config {
	listen := DefaultListen
	enabled := true
	ttl := "PT1H"
	duration := "PT5M"
	return Config{
		Version: 0,
		Listen:  &listen,
		CPU:     &CPU{Enabled: &enabled},
		GPU:     &GPU{},
		Retention: &Retention{
			Duration: &duration,
			TTL:      &ttl,
		},
		Service: Service{},
	}
}
