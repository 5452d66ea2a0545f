package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/die-net/securetunnel/internal/config"
	internalssh "github.com/die-net/securetunnel/internal/ssh"
)

func newRelayCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve a local SSH relay that accepts tunnel sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRelay(cmd, root)
		},
	}

	f := cmd.Flags()
	f.SortFlags = false
	f.String(config.KeyListen, "127.0.0.1:2222", "Relay listen address")
	f.String(config.KeyAccessToken, "", "Access token clients must present (or SECURETUNNEL_ACCESS_TOKEN)")
	f.String(config.KeyHostKey, "", "Path to the relay's private host key. Empty generates an ephemeral key.")

	return cmd
}

func runRelay(cmd *cobra.Command, root *rootOptions) error {
	cfg, log, err := root.load(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := cfg.ValidateRelay(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var key ssh.Signer
	if cfg.HostKey != "" {
		key, err = internalssh.LoadHostKey(cfg.HostKey)
	} else {
		key, err = internalssh.GenerateHostKey()
	}
	if err != nil {
		return fmt.Errorf("relay host key: %w", err)
	}
	log.Info("relay host key", zap.String("fingerprint", ssh.FingerprintSHA256(key.PublicKey())))

	return internalssh.ListenAndServe(cmd.Context(), cfg.Listen, internalssh.RelayConfig{
		HostKeys:         []ssh.Signer{key},
		PasswordCallback: internalssh.TokenAuth(cfg.AccessToken),
		Logger:           log,
	})
}
