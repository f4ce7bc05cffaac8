package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/garapa/mailmirror/pkg/types"
)

// Config holds the application configuration
type Config struct {
	// Store settings
	DBPath   string
	LogLevel string

	// Sync settings
	SyncInterval   time.Duration
	ReconcileEvery int
	ResyncLimit    int

	// Key used to decrypt stored credentials; empty means credentials
	// are configured in plaintext
	EncryptionKey string

	// Accounts
	Accounts []AccountConfig
}

// AccountConfig holds configuration for a single mailbox account
type AccountConfig struct {
	Name         string
	Host         string
	Port         int
	Security     string
	Username     string
	Password     string
	SyncInterval time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DBPath:         getEnv("DB_PATH", "/data/mailmirror.db"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		SyncInterval:   time.Duration(getEnvInt("SYNC_INTERVAL_SECS", 180)) * time.Second,
		ReconcileEvery: getEnvInt("RECONCILE_EVERY", 6),
		ResyncLimit:    getEnvInt("RESYNC_LIMIT", 500),
		EncryptionKey:  getEnv("ENCRYPTION_KEY", ""),
	}

	accounts, err := loadAccounts(cfg.SyncInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	cfg.Accounts = accounts
	return cfg, nil
}

// loadAccounts loads mailbox account configurations from environment variables
func loadAccounts(defaultInterval time.Duration) ([]AccountConfig, error) {
	var accounts []AccountConfig

	// Single account configuration (IMAP_HOST etc.)
	if getEnv("IMAP_HOST", "") != "" {
		account, err := loadAccount("", "default", defaultInterval)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
		return accounts, nil
	}

	// Multiple accounts (ACCOUNT_1_*, ACCOUNT_2_*, etc.)
	accountNum := 1
	for {
		prefix := fmt.Sprintf("ACCOUNT_%d_", accountNum)
		name := getEnv(prefix+"NAME", "")
		if name == "" {
			break
		}
		account, err := loadAccount(prefix, name, defaultInterval)
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", accountNum, err)
		}
		accounts = append(accounts, *account)
		accountNum++
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts found in environment variables")
	}
	return accounts, nil
}

func loadAccount(prefix, defaultName string, defaultInterval time.Duration) (*AccountConfig, error) {
	host := getEnv(prefix+"IMAP_HOST", "")
	if host == "" {
		return nil, fmt.Errorf("IMAP_HOST is required")
	}
	username := getEnv(prefix+"IMAP_USERNAME", "")
	if username == "" {
		return nil, fmt.Errorf("IMAP_USERNAME is required")
	}
	password := getEnv(prefix+"IMAP_PASSWORD", "")
	if password == "" {
		return nil, fmt.Errorf("IMAP_PASSWORD is required")
	}

	interval := defaultInterval
	if secs := getEnvInt(prefix+"SYNC_INTERVAL_SECS", 0); secs > 0 {
		interval = time.Duration(secs) * time.Second
	}

	return &AccountConfig{
		Name:         getEnv(prefix+"NAME", defaultName),
		Host:         host,
		Port:         getEnvInt(prefix+"IMAP_PORT", 993),
		Security:     getEnv(prefix+"IMAP_SECURITY", types.SecurityTLS),
		Username:     username,
		Password:     password,
		SyncInterval: interval,
	}, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetAccountByName finds an account by name
func (c *Config) GetAccountByName(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if c.ReconcileEvery < 1 {
		return fmt.Errorf("RECONCILE_EVERY must be at least 1")
	}
	if c.ResyncLimit < 1 {
		return fmt.Errorf("RESYNC_LIMIT must be at least 1")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	seen := make(map[string]bool)
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if seen[acc.Name] {
			return fmt.Errorf("duplicate account name: %s", acc.Name)
		}
		seen[acc.Name] = true
		if acc.Port < 1 || acc.Port > 65535 {
			return fmt.Errorf("account %s: invalid IMAP_PORT", acc.Name)
		}
		switch acc.Security {
		case types.SecurityTLS, types.SecurityStartTLS, types.SecurityPlain:
		default:
			return fmt.Errorf("account %s: invalid IMAP_SECURITY %q", acc.Name, acc.Security)
		}
	}
	return nil
}

// AccountNames returns a list of all account names
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		names[i] = c.Accounts[i].Name
	}
	return names
}
