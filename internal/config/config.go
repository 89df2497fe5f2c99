package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServerURL         string
	LogLevel          string
	Verbose           bool
	Dev               bool
	ClaudeBinary      string
	CommandTimeout    time.Duration
	HeartbeatInterval time.Duration
	AdmitInterval     time.Duration
	WorkingDirectory  string
	ConfigDir         string
	ListenHost        string
	ListenPort        int
	MaxTeams          int
	WorkTreeRoot      string
}

func LoadConfig() Config {
	return loadFromEnv()
}

func loadFromEnv() Config {
	serverURL := os.Getenv("CODER1_SERVER_URL")
	if serverURL == "" {
		serverURL = "http://127.0.0.1:8632"
	}
	level := os.Getenv("CODER1_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	verbose := os.Getenv("VERBOSE") == "1" || strings.EqualFold(os.Getenv("VERBOSE"), "true")
	dev := strings.EqualFold(os.Getenv("NODE_ENV"), "development")

	binary := os.Getenv("CODER1_CLAUDE_BINARY")
	if binary == "" {
		binary = "claude"
	}
	commandTimeout := durationOrDefault(os.Getenv("CODER1_COMMAND_TIMEOUT"), 60*time.Second)
	heartbeat := durationOrDefault(os.Getenv("CODER1_HEARTBEAT_INTERVAL"), 30*time.Second)
	admit := durationOrDefault(os.Getenv("CODER1_QUEUE_INTERVAL"), time.Second)

	configDir := os.Getenv("CODER1_CONFIG_DIR")
	if configDir == "" {
		configDir = defaultConfigDir()
	}
	host := os.Getenv("CODER1_LISTEN_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := atoiOrDefault(os.Getenv("CODER1_LISTEN_PORT"), 8632)
	maxTeams := atoiOrDefault(os.Getenv("CODER1_MAX_TEAMS"), 3)
	workTreeRoot := os.Getenv("CODER1_WORKTREE_ROOT")
	if workTreeRoot == "" {
		workTreeRoot = filepath.Join(configDir, "worktrees")
	}

	return Config{
		ServerURL:         serverURL,
		LogLevel:          level,
		Verbose:           verbose,
		Dev:               dev,
		ClaudeBinary:      binary,
		CommandTimeout:    commandTimeout,
		HeartbeatInterval: heartbeat,
		AdmitInterval:     admit,
		WorkingDirectory:  os.Getenv("CODER1_WORKING_DIR"),
		ConfigDir:         configDir,
		ListenHost:        host,
		ListenPort:        port,
		MaxTeams:          maxTeams,
		WorkTreeRoot:      workTreeRoot,
	}
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".coder1"
	}
	return filepath.Join(home, ".coder1")
}

func atoiOrDefault(v string, fallback int) int {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func durationOrDefault(v string, fallback time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}
