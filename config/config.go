package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// TelemetryConfig captures the OpenTelemetry export knobs.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
}

// Config captures runtime configuration for the galleria daemon.
type Config struct {
	ListenAddress              string          `toml:"ListenAddress"`
	DataDir                    string          `toml:"DataDir"`
	Environment                string          `toml:"Environment"`
	LogFile                    string          `toml:"LogFile"`
	AuthSecret                 string          `toml:"AuthSecret"`
	HoldbackBps                uint32          `toml:"HoldbackBps"`
	FeeBps                     uint32          `toml:"FeeBps"`
	FeeGranularity             uint64          `toml:"FeeGranularity"`
	FeeCollector               string          `toml:"FeeCollector"`
	FeeTreasury                string          `toml:"FeeTreasury"`
	ConfirmationTimeoutSeconds int64           `toml:"ConfirmationTimeoutSeconds"`
	Artists                    []string        `toml:"Artists"`
	Arbiters                   []string        `toml:"Arbiters"`
	Telemetry                  TelemetryConfig `toml:"Telemetry"`
}

func defaultConfig() *Config {
	return &Config{
		ListenAddress:              ":8545",
		DataDir:                    "./galleria-data",
		Environment:                "dev",
		HoldbackBps:                10_000,
		FeeBps:                     0,
		FeeGranularity:             100,
		ConfirmationTimeoutSeconds: 600,
	}
}

// Load reads the configuration from the given path, writing a default file
// when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := defaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	cfg := defaultConfig()
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("config: create directory %s: %w", dir, err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("config: write default %s: %w", path, err)
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, fmt.Errorf("config: encode default %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks range and format constraints.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir required")
	}
	if c.HoldbackBps > 10_000 {
		return fmt.Errorf("config: HoldbackBps out of range: %d", c.HoldbackBps)
	}
	if c.FeeBps > 10_000 {
		return fmt.Errorf("config: FeeBps out of range: %d", c.FeeBps)
	}
	if c.ConfirmationTimeoutSeconds <= 0 {
		return fmt.Errorf("config: ConfirmationTimeoutSeconds must be positive")
	}
	if c.FeeBps > 0 && strings.TrimSpace(c.FeeCollector) == "" {
		return fmt.Errorf("config: FeeCollector required when FeeBps is set")
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"FeeCollector", c.FeeCollector},
		{"FeeTreasury", c.FeeTreasury},
	} {
		if strings.TrimSpace(field.value) == "" {
			continue
		}
		if _, err := ParseAddress(field.value); err != nil {
			return fmt.Errorf("config: %s: %w", field.name, err)
		}
	}
	for _, addr := range append(append([]string{}, c.Artists...), c.Arbiters...) {
		if _, err := ParseAddress(addr); err != nil {
			return fmt.Errorf("config: role address %q: %w", addr, err)
		}
	}
	return nil
}

// ParseAddress decodes a 20-byte hex address with optional 0x prefix.
func ParseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid hex address: %w", err)
	}
	if len(decoded) != 20 {
		return addr, fmt.Errorf("address must be 20 bytes, got %d", len(decoded))
	}
	copy(addr[:], decoded)
	return addr, nil
}
