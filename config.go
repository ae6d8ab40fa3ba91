package storeforge

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/sirupsen/logrus"
)

// Config is the process-wide configuration record described by spec.md's
// "global mutable state" design note: directory locations and flags are
// read once at startup and passed by reference to the worker. The database
// handle is opened separately (storedb.Open) and is not part of Config.
// Grounded on
// cmd/flyio-image-manager/main.go's Config/DefaultConfig pair.
type Config struct {
	StoreRoot string // fixed store root directory
	StateDir  string // <stateDir>/<dbName>, <stateDir>/links/<N>
	LogDir    string // <logDir>/<drvBaseName>
	DBName    string

	MaxBuildJobs  int
	NixBuildHook  string // empty => tryBuildHook always declines
	KeepGoing     bool
	TryFallback   bool
	KeepFailed    bool
	ReadOnlyMode  bool // forced, or demoted to by DbNoPermission on open
	ThisSystem    string
	LogVerbosity  int

	// MinBuildMemoryMB/MinBuildDiskMB gate a pre-build safeguards.Checker
	// pass; zero disables the respective check (the default).
	MinBuildMemoryMB int
	MinBuildDiskMB   int

	Logger *logrus.Logger
}

// DefaultConfig returns sane defaults; callers overlay flags/environment.
func DefaultConfig() Config {
	return Config{
		StoreRoot:    "/store",
		StateDir:     "/var/lib/storeforge",
		LogDir:       "/var/log/storeforge/drvs",
		DBName:       "db",
		MaxBuildJobs: 1,
		ThisSystem:   defaultSystem(),
		Logger:       logrus.New(),
	}
}

// FromEnv overlays process environment variables onto a base Config,
// mirroring the spec's §5 "environment variables read once at startup"
// list.
func FromEnv(base Config) (Config, error) {
	cfg := base
	if v := os.Getenv("NIX_STORE"); v != "" {
		cfg.StoreRoot = v
	}
	if v := os.Getenv("STOREFORGE_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("STOREFORGE_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("NIX_BUILD_HOOK"); v != "" {
		cfg.NixBuildHook = v
	}
	if v := os.Getenv("STOREFORGE_MAX_BUILD_JOBS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("STOREFORGE_MAX_BUILD_JOBS: %w", err)
		}
		cfg.MaxBuildJobs = n
	}
	cfg.KeepGoing = os.Getenv("STOREFORGE_KEEP_GOING") == "1"
	cfg.TryFallback = os.Getenv("STOREFORGE_FALLBACK") == "1"
	cfg.KeepFailed = os.Getenv("STOREFORGE_KEEP_FAILED") == "1"
	cfg.ReadOnlyMode = os.Getenv("STOREFORGE_READONLY") == "1"
	if v := os.Getenv("STOREFORGE_MIN_BUILD_MEMORY_MB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("STOREFORGE_MIN_BUILD_MEMORY_MB: %w", err)
		}
		cfg.MinBuildMemoryMB = n
	}
	if v := os.Getenv("STOREFORGE_MIN_BUILD_DISK_MB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("STOREFORGE_MIN_BUILD_DISK_MB: %w", err)
		}
		cfg.MinBuildDiskMB = n
	}
	return cfg, nil
}

func defaultSystem() string {
	// Matches the platform string a derivation declares against (e.g.
	// "x86_64-linux"); computed once, not re-derived per build.
	arch := runtime.GOARCH
	if arch == "amd64" {
		arch = "x86_64"
	}
	return fmt.Sprintf("%s-%s", arch, runtime.GOOS)
}
