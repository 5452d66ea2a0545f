package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/die-net/securetunnel/internal/config"
	"github.com/die-net/securetunnel/internal/cycle"
	"github.com/die-net/securetunnel/internal/dialer"
	internalssh "github.com/die-net/securetunnel/internal/ssh"
	"github.com/die-net/securetunnel/internal/transport"
	"github.com/die-net/securetunnel/internal/tunnel"
)

func newCycleCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Start and stop tunnel clients against a relay, checking for leaks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCycle(cmd, root)
		},
	}

	f := cmd.Flags()
	f.SortFlags = false
	f.String(config.KeyEndpoint, "", "Relay host[:port]")
	f.String(config.KeyAccessToken, "", "Tunnel access token (or SECURETUNNEL_ACCESS_TOKEN)")
	f.String(config.KeyMode, "source", "Tunnel mode: source | destination")
	f.String(config.KeyTransport, "websocket", "Relay transport: websocket | ws | ssh")
	f.String(config.KeyUpstream, defaultUpstream(), "Upstream for reaching the relay: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")
	f.Int(config.KeyIterations, 10000, "Number of Start/Stop cycles")
	f.Int(config.KeyWorkers, 1, "Clients cycling concurrently")
	f.Duration(config.KeyConnectTimeout, 10*time.Second, "Timeout for each connect attempt")
	f.Duration(config.KeyCycleTimeout, 30*time.Second, "Timeout for a whole cycle, 0 for none")
	f.Duration(config.KeyDialTimeout, 10*time.Second, "Timeout for DNS lookup and TCP connect")
	f.Duration(config.KeyHandshakeTimeout, 10*time.Second, "Timeout for proxy negotiation and the TLS/WebSocket or SSH handshake")
	f.String(config.KeyTCPKeepAlive, "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	f.Duration(config.KeyUserTimeout, 0, "TCP_USER_TIMEOUT for relay connections (linux), 0 for system default")
	f.Bool(config.KeyInsecure, false, "Skip TLS certificate verification of the relay")
	f.String(config.KeyKnownHosts, defaultKnownHostsPath(), "known_hosts file for SSH relay host keys, or empty to accept any key")
	f.Bool(config.KeyTOFU, true, "Record unknown SSH relay host keys in the known_hosts file")
	f.String(config.KeySSHKey, defaultSSHKey(), "SSH key sources: 'agent', key file paths, comma separated, or empty")

	return cmd
}

func runCycle(cmd *cobra.Command, root *rootOptions) error {
	cfg, log, err := root.load(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	mode, err := transport.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}

	tr, err := newTransport(cfg, log)
	if err != nil {
		return err
	}

	rt := tunnel.NewRuntime(tunnel.RuntimeConfig{Transport: tr, Logger: log})
	r := &cycle.Runner{
		Runtime: rt,
		Endpoint: transport.Endpoint{
			Host:        cfg.Endpoint,
			AccessToken: cfg.AccessToken,
			Mode:        mode,
		},
		Iterations:     cfg.Iterations,
		Workers:        cfg.Workers,
		ConnectTimeout: cfg.ConnectTimeout,
		CycleTimeout:   cfg.CycleTimeout,
		Logger:         log,
	}

	log.Info("cycling",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("transport", cfg.Transport),
		zap.Stringer("mode", mode),
		zap.Int("iterations", cfg.Iterations),
		zap.Int("workers", cfg.Workers))

	stats, runErr := r.Run(cmd.Context())
	closeErr := rt.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "iterations=%d connected=%d failed=%d stopped=%d\n",
		stats.Iterations, stats.Connected, stats.Failed, stats.Stopped)
	return errors.Join(runErr, closeErr)
}

func newTransport(cfg *config.Config, log *zap.Logger) (transport.Transport, error) {
	ka, err := cfg.KeepAlive()
	if err != nil {
		return nil, err
	}

	up, err := dialer.ParseUpstream(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", config.KeyUpstream, err)
	}
	d, err := up.Dialer(dialer.Config{
		DialTimeout:        cfg.DialTimeout,
		NegotiationTimeout: cfg.HandshakeTimeout,
		KeepAlive:          ka,
		UserTimeout:        cfg.UserTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", config.KeyUpstream, err)
	}
	log.Debug("relay upstream", zap.Stringer("upstream", up))

	tcfg := transport.Config{
		Dialer:             d,
		DialTimeout:        cfg.DialTimeout,
		HandshakeTimeout:   cfg.HandshakeTimeout,
		InsecureSkipVerify: cfg.Insecure,
		Logger:             log,
	}

	if strings.EqualFold(cfg.Transport, "ssh") {
		if cfg.KnownHosts != "" {
			cb, err := internalssh.NewHostKeyCallback(cfg.KnownHosts, cfg.TOFU, log)
			if err != nil {
				return nil, fmt.Errorf("invalid --%s: %w", config.KeyKnownHosts, err)
			}
			tcfg.HostKeyCallback = cb
		}
		if cfg.SSHKey != "" {
			signers, err := internalssh.LoadSigners(cfg.SSHKey)
			if err != nil {
				return nil, fmt.Errorf("invalid --%s: %w", config.KeySSHKey, err)
			}
			tcfg.Signers = signers
		}
	}

	return transport.New(cfg.Transport, tcfg)
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}

func defaultKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func defaultSSHKey() string {
	if internalssh.AgentAvailable() {
		return internalssh.AgentAuthType
	}
	return ""
}
