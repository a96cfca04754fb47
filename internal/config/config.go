// Package config provides configuration loading from environment variables.
package config

import (
	"log/slog"
	"strings"
	"time"
)

// Backend selectors.
const (
	StageRunnerExec   = "exec"
	StageRunnerDocker = "docker"

	BlobBackendFirebase = "firebase"
	BlobBackendHTTP     = "http"

	StatusBackendFirestore = "firestore"
	StatusBackendSQLite    = "sqlite"
	StatusBackendPostgres  = "postgres"
)

// ServiceConfig holds configuration for the reconstruction service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	LogLevel          slog.Level
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	ShutdownTimeout   time.Duration // Time in-flight jobs get to finish after draining

	WorkspaceRoot     string        // Parent directory for per-job workspaces
	WorkspaceSweepAge time.Duration // Leftover workspaces older than this are removed at start-up (0 to skip)
	ArtifactRoot      string        // Blob key prefix for published artifacts
	DefaultOwner      string        // Owner segment used when a request has no ownerRef
	StageContractFile string        // Optional YAML override for the stage commands

	StageRunner   string // exec or docker
	BlobBackend   string // firebase or http
	StatusBackend string // firestore, sqlite or postgres
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", GetEnv("RUNPOD_REALTIME_PORT", "8080")),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		LogLevel:          ParseLogLevel(GetEnv("LOG_LEVEL", "INFO")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		ShutdownTimeout:   GetDurationEnv("SHUTDOWN_TIMEOUT", 25*time.Second),
		WorkspaceRoot:     GetEnv("WORKSPACE_ROOT", "/tmp/nerfstudio_jobs"),
		WorkspaceSweepAge: GetDurationEnv("WORKSPACE_SWEEP_AGE", 24*time.Hour),
		ArtifactRoot:      GetEnv("ARTIFACT_ROOT", "splat-models"),
		DefaultOwner:      GetEnv("DEFAULT_OWNER", "unknown_user"),
		StageContractFile: GetEnv("STAGE_CONTRACT_FILE", ""),
		StageRunner:       strings.ToLower(GetEnv("STAGE_RUNNER", StageRunnerExec)),
		BlobBackend:       strings.ToLower(GetEnv("BLOB_BACKEND", BlobBackendFirebase)),
		StatusBackend:     strings.ToLower(GetEnv("STATUS_BACKEND", StatusBackendFirestore)),
	}
}

// ParseLogLevel maps a level name to a slog level, defaulting to INFO.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
