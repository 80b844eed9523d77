package gpu

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config describes the helper process producing candidate batches on a
// device. It lives in its own viper backed file so the helper can be
// swapped without touching the main configuration.
type Config struct {
	Command struct {
		Path    string            `mapstructure:"path"`
		Args    []string          `mapstructure:"args"`
		Env     map[string]string `mapstructure:"env"`
		Timeout time.Duration     `mapstructure:"timeout"`
	} `mapstructure:"command"`
	BatchSize int `mapstructure:"batch_size"`
}

// ParseConfig reads the helper config from a viper key.
func ParseConfig(key string) (Config, error) {
	var cfg Config
	err := viper.UnmarshalKey(key, &cfg)
	return cfg, err
}

// Cmd materializes the command prototype, env values starting with $ are
// expanded from the process environment.
func (c Config) Cmd() Command {
	env := make([]string, 0, len(c.Command.Env))
	for k, v := range c.Command.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return Command{
		Path:    c.Command.Path,
		Args:    c.Command.Args,
		Env:     env,
		Timeout: c.Command.Timeout,
	}
}
