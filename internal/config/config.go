package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// Config holds runtime configuration values for the stablewiki server.
type Config struct {
	DBPath        string
	ServerPort    int
	LogLevel      string
	SentryDSN     string
	Environment   string
	ShutdownGrace time.Duration

	// Stabilization behaviour.
	InclusionMode      string
	DraftGroups        []string
	StableNamespaces   []int
	FileNamespace      int
	AllowFirstUnstable bool
}

const (
	defaultDBPath        = "./data/stablewiki.db"
	defaultServerPort    = 8080
	defaultLogLevel      = "info"
	defaultInclusionMode = "freeze"
	defaultFileNamespace = 6
	defaultShutdownGrace = 10 * time.Second
)

// Load reads configuration values from environment variables, applying
// defaults where necessary.
func Load() (*Config, error) {
	cfg := &Config{
		DBPath:        getEnv("DB_PATH", defaultDBPath),
		LogLevel:      getEnv("LOG_LEVEL", defaultLogLevel),
		SentryDSN:     os.Getenv("SENTRY_DSN"),
		Environment:   os.Getenv("ENV"),
		InclusionMode: getEnv("INCLUSION_MODE", defaultInclusionMode),
		ShutdownGrace: defaultShutdownGrace,
	}

	if groupsJSON := os.Getenv("DRAFT_GROUPS"); groupsJSON != "" {
		groups, err := parseStringList(groupsJSON)
		if err != nil {
			return nil, eris.Wrap(err, "parsing DRAFT_GROUPS")
		}
		cfg.DraftGroups = groups
	}

	if namespacesJSON := os.Getenv("STABLE_NAMESPACES"); namespacesJSON != "" {
		namespaces, err := parseIntList(namespacesJSON)
		if err != nil {
			return nil, eris.Wrap(err, "parsing STABLE_NAMESPACES")
		}
		cfg.StableNamespaces = namespaces
	} else {
		// The main namespace is stabilization-enabled by default.
		cfg.StableNamespaces = []int{0}
	}

	fileNamespaceValue := getEnv("FILE_NAMESPACE", strconv.Itoa(defaultFileNamespace))
	fileNamespace, err := strconv.Atoi(fileNamespaceValue)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid FILE_NAMESPACE value: %s", fileNamespaceValue)
	}
	cfg.FileNamespace = fileNamespace

	allowValue := getEnv("ALLOW_FIRST_UNSTABLE", "true")
	allow, err := strconv.ParseBool(allowValue)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid ALLOW_FIRST_UNSTABLE value: %s", allowValue)
	}
	cfg.AllowFirstUnstable = allow

	portValue := getEnv("SERVER_PORT", strconv.Itoa(defaultServerPort))
	port, err := strconv.Atoi(portValue)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid SERVER_PORT value: %s", portValue)
	}
	cfg.ServerPort = port

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseStringList(raw string) ([]string, error) {
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, eris.Wrap(err, "decoding JSON array")
	}
	if len(values) == 0 {
		return nil, eris.New("list is empty")
	}
	return values, nil
}

func parseIntList(raw string) ([]int, error) {
	var values []int
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, eris.Wrap(err, "decoding JSON array")
	}
	if len(values) == 0 {
		return nil, eris.New("list is empty")
	}
	return values, nil
}
