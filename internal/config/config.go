// Package config loads securetunnel settings from flags, environment,
// an optional dotenv file and an optional config file.
//
// Precedence, highest first: explicitly set flags, SECURETUNNEL_*
// environment variables (including those loaded from the dotenv file),
// the config file, then flag defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/die-net/securetunnel/internal/dialer"
	"github.com/die-net/securetunnel/internal/transport"
)

// EnvPrefix prefixes every environment variable, e.g.
// SECURETUNNEL_ACCESS_TOKEN.
const EnvPrefix = "SECURETUNNEL"

// Keys shared by flags, environment and config files.
const (
	KeyEndpoint         = "endpoint"
	KeyAccessToken      = "access-token"
	KeyMode             = "mode"
	KeyTransport        = "transport"
	KeyUpstream         = "upstream"
	KeyIterations       = "iterations"
	KeyWorkers          = "workers"
	KeyConnectTimeout   = "connect-timeout"
	KeyCycleTimeout     = "cycle-timeout"
	KeyDialTimeout      = "dial-timeout"
	KeyHandshakeTimeout = "handshake-timeout"
	KeyTCPKeepAlive     = "tcp-keepalive"
	KeyUserTimeout      = "tcp-user-timeout"
	KeyInsecure         = "insecure"
	KeyKnownHosts       = "known-hosts"
	KeyTOFU             = "tofu"
	KeySSHKey           = "ssh-key"
	KeyListen           = "listen"
	KeyHostKey          = "host-key"
	KeyLogLevel         = "log-level"
	KeyLogDevelopment   = "log-development"
)

// Config is the effective configuration.
type Config struct {
	Endpoint    string
	AccessToken string
	Mode        string
	Transport   string
	Upstream    string

	Iterations     int
	Workers        int
	ConnectTimeout time.Duration
	CycleTimeout   time.Duration

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	TCPKeepAlive     string
	UserTimeout      time.Duration
	Insecure         bool

	KnownHosts string
	TOFU       bool
	SSHKey     string

	Listen  string
	HostKey string

	LogLevel       string
	LogDevelopment bool
}

// SetDefaults installs the defaults used when neither a flag, the
// environment nor a config file provides a value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyMode, "source")
	v.SetDefault(KeyTransport, "websocket")
	v.SetDefault(KeyUpstream, "direct://")
	v.SetDefault(KeyIterations, 10000)
	v.SetDefault(KeyWorkers, 1)
	v.SetDefault(KeyConnectTimeout, 10*time.Second)
	v.SetDefault(KeyCycleTimeout, 30*time.Second)
	v.SetDefault(KeyDialTimeout, 10*time.Second)
	v.SetDefault(KeyHandshakeTimeout, 10*time.Second)
	v.SetDefault(KeyTCPKeepAlive, "45:45:3")
	v.SetDefault(KeyTOFU, true)
	v.SetDefault(KeyListen, "127.0.0.1:2222")
	v.SetDefault(KeyLogLevel, "info")
}

// New returns a viper instance wired to the dotenv file, the environment,
// configFile and flags. Empty paths are skipped; a missing dotenv file is
// not an error.
func New(configFile, envFile string, flags *pflag.FlagSet) (*viper.Viper, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}
	return v, nil
}

// Load reads the effective configuration from v.
func Load(v *viper.Viper) *Config {
	return &Config{
		Endpoint:         v.GetString(KeyEndpoint),
		AccessToken:      v.GetString(KeyAccessToken),
		Mode:             v.GetString(KeyMode),
		Transport:        v.GetString(KeyTransport),
		Upstream:         v.GetString(KeyUpstream),
		Iterations:       v.GetInt(KeyIterations),
		Workers:          v.GetInt(KeyWorkers),
		ConnectTimeout:   v.GetDuration(KeyConnectTimeout),
		CycleTimeout:     v.GetDuration(KeyCycleTimeout),
		DialTimeout:      v.GetDuration(KeyDialTimeout),
		HandshakeTimeout: v.GetDuration(KeyHandshakeTimeout),
		TCPKeepAlive:     v.GetString(KeyTCPKeepAlive),
		UserTimeout:      v.GetDuration(KeyUserTimeout),
		Insecure:         v.GetBool(KeyInsecure),
		KnownHosts:       v.GetString(KeyKnownHosts),
		TOFU:             v.GetBool(KeyTOFU),
		SSHKey:           v.GetString(KeySSHKey),
		Listen:           v.GetString(KeyListen),
		HostKey:          v.GetString(KeyHostKey),
		LogLevel:         v.GetString(KeyLogLevel),
		LogDevelopment:   v.GetBool(KeyLogDevelopment),
	}
}

// Validate checks the settings used by the cycle command.
func (c *Config) Validate() error {
	var errs []error

	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if c.AccessToken == "" {
		errs = append(errs, errors.New("access token is required"))
	}
	if _, err := transport.ParseMode(c.Mode); err != nil {
		errs = append(errs, err)
	}
	if c.Iterations <= 0 {
		errs = append(errs, fmt.Errorf("iterations must be > 0, got %d", c.Iterations))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be > 0, got %d", c.Workers))
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{KeyConnectTimeout, c.ConnectTimeout},
		{KeyCycleTimeout, c.CycleTimeout},
		{KeyDialTimeout, c.DialTimeout},
		{KeyHandshakeTimeout, c.HandshakeTimeout},
		{KeyUserTimeout, c.UserTimeout},
	} {
		if d.val < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", d.name, d.val))
		}
	}
	if _, err := c.KeepAlive(); err != nil {
		errs = append(errs, err)
	}
	if _, err := dialer.ParseUpstream(c.Upstream); err != nil {
		errs = append(errs, err)
	}
	if _, err := transport.New(c.Transport, transport.Config{}); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ValidateRelay checks the settings used by the relay command.
func (c *Config) ValidateRelay() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.AccessToken == "" {
		errs = append(errs, errors.New("access token is required"))
	}
	return errors.Join(errs...)
}

// KeepAlive parses TCPKeepAlive: on, off, or keepidle:keepintvl:keepcnt
// with idle and interval in seconds.
func (c *Config) KeepAlive() (net.KeepAliveConfig, error) {
	ka, err := parseTCPKeepAlive(c.TCPKeepAlive)
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("invalid %s: %w", KeyTCPKeepAlive, err)
	}
	return ka, nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return net.KeepAliveConfig{}, errors.New("empty")
	case "on":
		return net.KeepAliveConfig{Enable: true}, nil
	case "off":
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	idle, err := parsePositiveInt(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	intvl, err := parsePositiveInt(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	cnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(idle) * time.Second,
		Interval: time.Duration(intvl) * time.Second,
		Count:    cnt,
	}, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
