package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"

	"github.com/keygrind/keygrind/internal/log"
	"github.com/keygrind/keygrind/internal/model"
	"github.com/keygrind/keygrind/internal/service"
)

var (
	userConfigPath string // /default/config/path/keygrind on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "keygrind")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is keygrind.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initKeygrind

	grindCmd.Flags().StringVar(&grindFlags.pattern, "pattern", "", "pattern to search for")
	grindCmd.Flags().StringVar(&grindFlags.kind, "kind", "prefix", "match kind: prefix|suffix|contains|mask")
	grindCmd.Flags().StringVar(&grindFlags.scheme, "scheme", "", "derivation scheme: create_with_seed|ed25519")
	grindCmd.Flags().BoolVar(&grindFlags.ignoreCase, "ignore-case", false, "case insensitive matching")
	grindCmd.Flags().IntVar(&grindFlags.count, "count", 1, "how many matches to find")
	grindCmd.Flags().StringVar(&grindFlags.base, "base", "", "base58 base public key (create_with_seed)")
	grindCmd.Flags().StringVar(&grindFlags.owner, "owner", "", "base58 owner public key (create_with_seed)")
	grindCmd.Flags().DurationVar(&grindFlags.timeout, "timeout", 0, "optional time budget")
	_ = grindCmd.MarkFlagRequired("pattern")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(grindCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("keygrind failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "keygrind",
	Short:        "Vanity address search engine",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve reads the configuration and runs the search daemon",
	RunE:  doServe,
}

var grindFlags struct {
	pattern    string
	kind       string
	scheme     string
	ignoreCase bool
	count      int
	base       string
	owner      string
	timeout    time.Duration
}

var grindCmd = &cobra.Command{
	Use:   "grind",
	Short: "grind runs a single search and prints matches as JSON lines",
	RunE:  doGrind,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of a keygrind",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("keygrind: version info not available")
		}

		if configPath != "" {
			fmt.Printf("config:   %s\n", configPath)
		}
		fmt.Printf("keygrind: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:    %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("keygrind",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	return service.Run(ctx, config)
}

func doGrind(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("keygrind",
		slog.String("cmd", "grind"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	spec := model.TargetSpec{
		Scheme:        model.Scheme(grindFlags.scheme),
		Kind:          model.Kind(grindFlags.kind),
		Pattern:       grindFlags.pattern,
		CaseSensitive: !grindFlags.ignoreCase,
		Count:         grindFlags.count,
		Timeout:       grindFlags.timeout,
		Base:          grindFlags.base,
		Owner:         grindFlags.owner,
	}
	return service.Grind(ctx, config, spec, os.Stdout)
}

func initKeygrind(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("KEYGRINDCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "keygrind.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(context.Background())
		configPath = filepath.Join(userConfigPath, "keygrind.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		cfg, err := model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error(d)
			}
			return fmt.Errorf("parsing config: %w", err)
		}
		config = *cfg
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		verbose := true
		config.Service.Verbose = &verbose
	}

	// initialize logging
	var w io.Writer = os.Stderr
	if config.Service.Log != nil {
		switch *config.Service.Log {
		case model.LogStdout:
			w = os.Stdout
		case model.LogDiscard:
			w = io.Discard
		}
	}
	verbose := config.Service.Verbose != nil && *config.Service.Verbose
	slog.SetDefault(log.New(w, verbose))

	slog.Debug("keygrind run", "configPath", configPath)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info != nil && info.Mode().IsRegular()
}
