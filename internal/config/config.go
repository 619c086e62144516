// Package config loads the dissector settings from TOML.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/uadissect/internal/logging"
)

// Config is the resolved engine and CLI configuration.
type Config struct {
	MaxPDULength    int      `toml:"max_pdu_length"`
	MaxChunks       int      `toml:"max_chunks"`
	MaxMessageBytes int      `toml:"max_message_bytes"`
	SegmentSize     int      `toml:"segment_size"`
	ListenAddr      string   `toml:"listen_addr"`
	CorsOrigins     []string `toml:"cors_origins"`
	AdminToken      string   `toml:"admin_token"`
	LogLevel        string   `toml:"log_level"`
}

type fileConfig struct {
	MaxPDULength    int      `toml:"max_pdu_length"`
	MaxChunks       int      `toml:"max_chunks"`
	MaxMessageBytes int      `toml:"max_message_bytes"`
	SegmentSize     int      `toml:"segment_size"`
	ListenAddr      string   `toml:"listen_addr"`
	CorsOrigins     []string `toml:"cors_origins"`
	AdminToken      string   `toml:"admin_token"`
	LogLevel        string   `toml:"log_level"`
}

func Default() Config {
	return Config{
		MaxPDULength:    16 * 1024 * 1024,
		MaxChunks:       4096,
		MaxMessageBytes: 64 * 1024 * 1024,
		SegmentSize:     1460,
		ListenAddr:      "127.0.0.1:7080",
		CorsOrigins:     []string{},
		LogLevel:        "info",
	}
}

// Load reads path over Default. Keys absent from the file keep their
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("max_pdu_length") {
		cfg.MaxPDULength = raw.MaxPDULength
	}
	if meta.IsDefined("max_chunks") {
		cfg.MaxChunks = raw.MaxChunks
	}
	if meta.IsDefined("max_message_bytes") {
		cfg.MaxMessageBytes = raw.MaxMessageBytes
	}
	if meta.IsDefined("segment_size") {
		cfg.SegmentSize = raw.SegmentSize
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if cfg.MaxPDULength <= 0 {
		return fmt.Errorf("max_pdu_length must be positive")
	}
	if cfg.MaxChunks < 0 {
		return fmt.Errorf("max_chunks must not be negative")
	}
	if cfg.MaxMessageBytes < 0 {
		return fmt.Errorf("max_message_bytes must not be negative")
	}
	if cfg.SegmentSize <= 0 {
		return fmt.Errorf("segment_size must be positive")
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if _, ok := logging.ParseLevel(cfg.LogLevel); !ok {
		return fmt.Errorf("unknown log_level %q", cfg.LogLevel)
	}
	return nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
