package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	utilsconfig "github.com/quantumauth-io/quantum-go-utils/config"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/account"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/constants"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/stellar"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

//go:embed config.yaml
var EmbeddedConfigYAML []byte

type AgentSettings struct {
	LocalHost      string        `mapstructure:"local_host"`
	Port           string        `mapstructure:"port"`
	DataDir        string        `mapstructure:"data_dir"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	PairingTTL     time.Duration `mapstructure:"pairing_ttl"`
}

type KeystoreSettings struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type QueueSettings struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type SigningSettings struct {
	HashSigningAllowed bool `mapstructure:"hash_signing_allowed"`
}

type HardwareSettings struct {
	Ledger bool `mapstructure:"ledger"`
	Airgap bool `mapstructure:"airgap"`
}

type FundingSettings struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Config struct {
	Agent    AgentSettings     `mapstructure:"agent"`
	Keystore KeystoreSettings  `mapstructure:"keystore"`
	Queue    QueueSettings     `mapstructure:"queue"`
	Signing  SigningSettings   `mapstructure:"signing"`
	Hardware HardwareSettings  `mapstructure:"hardware"`
	Funding  FundingSettings   `mapstructure:"funding"`
	Networks []account.Network `mapstructure:"networks"`
}

// flag name -> config key
var flagKeys = map[string]string{
	"host":     "agent.local_host",
	"port":     "agent.port",
	"data-dir": "agent.data_dir",
}

// Flags registers the command-line overrides understood by Load.
func Flags(fs *pflag.FlagSet) {
	fs.String("host", "", "loopback address to listen on")
	fs.String("port", "", "port to listen on")
	fs.String("data-dir", "", "directory holding the wallet database")
}

// Load reads the embedded defaults, then the first config.yaml found in the
// usual places, then QWA_* environment variables, then flags.
func Load(flags *pflag.FlagSet) (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	home, _ := os.UserHomeDir()
	paths := []string{
		dir,
		filepath.Join(home, "config"),
		".",
	}
	return LoadFrom(paths, flags)
}

// LoadFrom parses config.yaml from paths with the shared config loader,
// on top of the embedded defaults, then applies QWA_* environment
// variables and changed flags.
func LoadFrom(paths []string, flags *pflag.FlagSet) (*Config, error) {
	// the shared loader works on the global viper instance
	viper.Reset()
	if err := seedDefaults(); err != nil {
		return nil, err
	}

	if _, err := utilsconfig.ParseConfig[Config](paths); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	viper.SetEnvPrefix(constants.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := viper.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// seedDefaults registers every key of the embedded config.yaml as a viper
// default so a user file only needs the keys it changes.
func seedDefaults() error {
	embedded := viper.New()
	embedded.SetConfigType("yaml")
	if err := embedded.ReadConfig(bytes.NewReader(EmbeddedConfigYAML)); err != nil {
		return fmt.Errorf("read embedded config: %w", err)
	}
	for _, key := range embedded.AllKeys() {
		viper.SetDefault(key, embedded.Get(key))
	}
	return nil
}

func (c *Config) normalize() error {
	c.Agent.LocalHost = strings.TrimSpace(c.Agent.LocalHost)
	ip := net.ParseIP(c.Agent.LocalHost)
	if c.Agent.LocalHost != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("agent.local_host must be a loopback address, got %q", c.Agent.LocalHost)
	}
	if strings.TrimSpace(c.Agent.Port) == "" {
		return errors.New("agent.port is empty")
	}

	if c.Agent.DataDir == "" {
		dir, err := ConfigDir()
		if err != nil {
			return err
		}
		c.Agent.DataDir = dir
	}

	if c.Keystore.IdleTimeout <= 0 {
		return fmt.Errorf("keystore.idle_timeout must be positive, got %s", c.Keystore.IdleTimeout)
	}
	if c.Queue.TTL <= 0 || c.Queue.SweepInterval <= 0 {
		return errors.New("queue.ttl and queue.sweep_interval must be positive")
	}

	if len(c.Networks) == 0 {
		return errors.New("no networks configured")
	}
	seen := make(map[string]struct{}, len(c.Networks))
	for i, n := range c.Networks {
		name := strings.ToLower(strings.TrimSpace(n.Name))
		if name == "" {
			return fmt.Errorf("networks[%d] has no name", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("network %q configured twice", name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(n.NetworkPassphrase) == "" {
			return fmt.Errorf("network %q has no passphrase", name)
		}
		if n.NetworkPassphrase == stellar.PublicNetworkPassphrase && n.FriendbotURL != "" {
			return fmt.Errorf("network %q: friendbot is not available on the public network", name)
		}
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Agent.LocalHost, c.Agent.Port)
}

// BaseURL is the address the agent answers on, as seen by the browser.
func (c *Config) BaseURL() string {
	return "http://" + c.Addr()
}

func (c *Config) DatabasePath() string {
	return filepath.Join(c.Agent.DataDir, constants.DatabaseFile)
}

// ConfigDir is where the agent keeps its state.
//
// Priority:
//  1. SNAP_REAL_HOME (snap installs)
//  2. HOME (normal installs)
//  3. os.UserConfigDir() fallback
func ConfigDir() (string, error) {
	if realHome := os.Getenv("SNAP_REAL_HOME"); realHome != "" {
		return filepath.Join(realHome, ".config", constants.AppName), nil
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".config", constants.AppName), nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("UserConfigDir: %w", err)
	}
	return filepath.Join(dir, constants.AppName), nil
}
