package conf

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"aox/internal/blobstorage"
)

// Config holds the server configuration. The zero value of every
// field has a usable default applied by LoadConfig.
type Config struct {
	Hostname string `yaml:"hostname"`

	DBDSN string `yaml:"db-dsn"`

	ImapAddress   string `yaml:"imap-address"`
	ImapPort      int    `yaml:"imap-port"`
	ImapsAddress  string `yaml:"imaps-address"`
	ImapsPort     int    `yaml:"imaps-port"`
	LmtpAddress   string `yaml:"lmtp-address"`
	LmtpPort      int    `yaml:"lmtp-port"`
	SmtpAddress   string `yaml:"smtp-address"`
	SmtpPort      int    `yaml:"smtp-port"`
	SubmitAddress string `yaml:"submit-address"`
	SubmitPort    int    `yaml:"submit-port"`
	SmtpsAddress  string `yaml:"smtps-address"`
	SmtpsPort     int    `yaml:"smtps-port"`

	SmartHostAddress string `yaml:"smart-host-address"`
	SmartHostPort    int    `yaml:"smart-host-port"`

	// MemoryLimit is in megabytes; it bounds the advertised and
	// accepted message sizes.
	MemoryLimit int `yaml:"memory-limit"`

	// Security toggles the permission checks; the greeting notes
	// when it is off.
	Security bool `yaml:"security"`

	// LiteralSizeLimit bounds IMAP literals, in bytes.
	LiteralSizeLimit uint32 `yaml:"literal-size-limit"`

	TLSCert string `yaml:"tls-cert"`
	TLSKey  string `yaml:"tls-key"`

	// JWTSecret verifies OAUTHBEARER tokens when set.
	JWTSecret string `yaml:"jwt-secret"`

	BlobStorage blobstorage.Config `yaml:"blob_storage"`
}

var configPaths = []string{
	"/etc/aox/aox.yaml",
	"./config/aox.yaml",
	"./aox.yaml",
	"config/aox.yaml",
}

// LoadConfig reads the first configuration file found on the search
// path and applies defaults.
func LoadConfig() (*Config, error) {
	var data []byte
	var err error
	for _, path := range configPaths {
		data, err = os.ReadFile(filepath.Clean(path))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return parse(data)
}

// LoadConfigFile reads the configuration from an explicit path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	return cfg, nil
}

// DefaultConfig returns the built-in defaults, used when no file is
// present.
func DefaultConfig() *Config {
	return &Config{
		Hostname:         "localhost",
		DBDSN:            "postgres://aox@localhost/aox?sslmode=disable",
		ImapAddress:      "0.0.0.0",
		ImapPort:         143,
		ImapsAddress:     "0.0.0.0",
		ImapsPort:        993,
		LmtpAddress:      "127.0.0.1",
		LmtpPort:         2026,
		SmtpAddress:      "0.0.0.0",
		SmtpPort:         25,
		SubmitAddress:    "0.0.0.0",
		SubmitPort:       587,
		SmtpsAddress:     "0.0.0.0",
		SmtpsPort:        465,
		SmartHostAddress: "127.0.0.1",
		SmartHostPort:    25,
		MemoryLimit:      128,
		Security:         true,
		LiteralSizeLimit: 33554432,
	}
}
