package keygrind_test

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	keygrindPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")
	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("keygrind-ci") {
		slog.Warn("cannot locate keygrind-ci binary: run go build -race -cover -covermode=atomic -o keygrind-ci ./cmd/keygrind/ first, skipping integration tests")
		os.Exit(0)
	}

	var err error
	keygrindPath, err = filepath.Abs("keygrind-ci")
	if err != nil {
		slog.Error("can't get abspath for keygrind-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for keygrind-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for keygrind-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

const config = `
version: 0
cpu:
    enabled: true
    workers: 2
service:
    verbose: false
    log: stderr
`

func TestGrind(t *testing.T) {
	dir := chDir(t)
	creat(t, "keygrind.yaml", []byte(config))
	t.Setenv("KEYGRINDCONFIG", filepath.Join(dir, "keygrind.yaml"))

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, keygrindPath, "grind",
		"--pattern", "a", "--ignore-case")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		t.Logf("%s", stderr.String())
		require.NoError(t, err)
	}

	var match struct {
		Address    string `json:"address"`
		PrivateKey string `json:"private_key"`
		Backend    string `json:"backend"`
	}
	err = json.Unmarshal(stdout.Bytes(), &match)
	require.NoError(t, err)
	require.NotEmpty(t, match.Address)
	require.NotEmpty(t, match.PrivateKey)
	require.Equal(t, "cpu", match.Backend)
	// the match goes to stdout, the private key never to the log
	require.NotContains(t, stderr.String(), match.PrivateKey)
}

func TestGrindTimeout(t *testing.T) {
	dir := chDir(t)
	creat(t, "keygrind.yaml", []byte(config))
	t.Setenv("KEYGRINDCONFIG", filepath.Join(dir, "keygrind.yaml"))

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, keygrindPath, "grind",
		"--pattern", "zzzzzzzzzzzz", "--timeout", "500ms")
	cmd.Stdout = &stdout
	err := cmd.Run()
	require.NoError(t, err)
	require.Empty(t, stdout.Bytes())
}

func TestVersion(t *testing.T) {
	dir := chDir(t)
	creat(t, "keygrind.yaml", []byte(config))
	t.Setenv("KEYGRINDCONFIG", filepath.Join(dir, "keygrind.yaml"))

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	t.Cleanup(cancel)
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, keygrindPath, "version")
	cmd.Stdout = &stdout
	require.NoError(t, cmd.Run())
	require.Contains(t, stdout.String(), "keygrind:")
	require.Contains(t, stdout.String(), "go:")
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func chDir(t *testing.T) string {
	t.Helper()
	tempdir := tmpDir(t)
	t.Chdir(tempdir)
	return tempdir
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
