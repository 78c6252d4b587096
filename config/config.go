package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"

	"github.com/mossy-p/peerlink/internal/wire"
)

type Config struct {
	Port           string      `yaml:"port"`
	Environment    string      `yaml:"environment"`
	AllowedOrigins []string    `yaml:"allowedOrigins"`
	JWTSecret      string      `yaml:"jwtSecret"`
	Redis          RedisConfig `yaml:"redis"`
	Peer           PeerConfig  `yaml:"peer"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PeerConfig holds the settings of a peer client process.
type PeerConfig struct {
	RelayURL       string `yaml:"relayUrl"`
	Token          string `yaml:"token"`
	Username       string `yaml:"username"`
	DownloadDir    string `yaml:"downloadDir"`
	ChunkSize      int    `yaml:"chunkSize"`
	TransferWindow int    `yaml:"transferWindow"`
	MaxFileSize    int64  `yaml:"maxFileSize"`
	ICE            ICE    `yaml:"ice"`
}

// ICE describes the STUN/TURN servers used for candidate gathering. An empty
// value means host candidates only.
type ICE struct {
	ServersJSON    string   `yaml:"serversJson"`
	STUNURLs       []string `yaml:"stunUrls"`
	TURNURLs       []string `yaml:"turnUrls"`
	TURNUsername   string   `yaml:"turnUsername"`
	TURNCredential string   `yaml:"turnCredential"`
}

const (
	DefaultChunkSize      = 16 * 1024
	DefaultTransferWindow = 8
	DefaultMaxFileSize    = 4 << 30
)

func defaults() *Config {
	return &Config{
		Port:           "8080",
		Environment:    "development",
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		JWTSecret:      "change-me-in-production",
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		Peer: PeerConfig{
			RelayURL:       "ws://localhost:8080/ws/signal",
			DownloadDir:    "downloads",
			ChunkSize:      DefaultChunkSize,
			TransferWindow: DefaultTransferWindow,
			MaxFileSize:    DefaultMaxFileSize,
		},
	}
}

// Load builds the configuration from defaults and environment variables.
func Load() *Config {
	cfg := defaults()
	applyEnv(cfg)
	return cfg
}

// LoadFile reads a YAML file over the defaults. Environment variables still
// take precedence over values from the file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	// Parse allowed origins (comma-separated)
	if originsStr := os.Getenv("ALLOWED_ORIGINS"); originsStr != "" {
		cfg.AllowedOrigins = splitList(originsStr)
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)

	cfg.Redis.Host = getEnv("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getEnv("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)

	cfg.Peer.RelayURL = getEnv("RELAY_URL", cfg.Peer.RelayURL)
	cfg.Peer.Token = getEnv("RELAY_TOKEN", cfg.Peer.Token)
	cfg.Peer.Username = getEnv("PEER_USERNAME", cfg.Peer.Username)
	cfg.Peer.DownloadDir = getEnv("DOWNLOAD_DIR", cfg.Peer.DownloadDir)
	cfg.Peer.ChunkSize = getEnvInt("CHUNK_SIZE", cfg.Peer.ChunkSize)
	cfg.Peer.TransferWindow = getEnvInt("TRANSFER_WINDOW", cfg.Peer.TransferWindow)
	cfg.Peer.MaxFileSize = getEnvInt64("MAX_FILE_SIZE", cfg.Peer.MaxFileSize)

	cfg.Peer.ICE.ServersJSON = getEnv("ICE_SERVERS_JSON", cfg.Peer.ICE.ServersJSON)
	if v := os.Getenv("STUN_URLS"); v != "" {
		cfg.Peer.ICE.STUNURLs = splitList(v)
	}
	if v := os.Getenv("TURN_URLS"); v != "" {
		cfg.Peer.ICE.TURNURLs = splitList(v)
	}
	cfg.Peer.ICE.TURNUsername = getEnv("TURN_USERNAME", cfg.Peer.ICE.TURNUsername)
	cfg.Peer.ICE.TURNCredential = getEnv("TURN_CREDENTIAL", cfg.Peer.ICE.TURNCredential)
}

// Validate reports settings that cannot work at runtime.
func (c *Config) Validate() error {
	if c.Peer.ChunkSize <= 0 || c.Peer.ChunkSize > wire.MaxChunkSize {
		return fmt.Errorf("chunk size must be between 1 and %d, got %d", wire.MaxChunkSize, c.Peer.ChunkSize)
	}
	if c.Peer.TransferWindow <= 0 || c.Peer.TransferWindow > wire.MaxUnitsAhead {
		return fmt.Errorf("transfer window must be between 1 and %d, got %d", wire.MaxUnitsAhead, c.Peer.TransferWindow)
	}
	if c.Peer.MaxFileSize <= 0 {
		return fmt.Errorf("max file size must be positive, got %d", c.Peer.MaxFileSize)
	}
	if _, err := c.Peer.ICE.Servers(); err != nil {
		return err
	}
	return nil
}

// Servers converts the ICE settings to pion's representation. A JSON list
// wins over the convenience STUN/TURN fields.
func (i ICE) Servers() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(i.ServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("ICE_SERVERS_JSON: %w", err)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer
	if len(i.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: i.STUNURLs})
	}
	if len(i.TURNURLs) > 0 {
		if i.TURNUsername == "" || i.TURNCredential == "" {
			return nil, fmt.Errorf("TURN_URLS requires TURN_USERNAME and TURN_CREDENTIAL")
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       i.TURNURLs,
			Username:   i.TURNUsername,
			Credential: i.TURNCredential,
		})
	}
	return servers, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvInt64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return defaultValue
	}
	return n
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
