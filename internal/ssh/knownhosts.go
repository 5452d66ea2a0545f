package ssh

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	// ErrHostKeyChanged means a relay on file presented a different key.
	ErrHostKeyChanged = errors.New("relay host key changed")

	// ErrUnknownRelay means the relay is not on file and trust on first
	// use is off.
	ErrUnknownRelay = errors.New("relay not in known_hosts")
)

// NewHostKeyCallback returns a host key check backed by the known_hosts file
// at path, creating the file (mode 0600) and its directory if needed. A
// leading "~/" expands to the home directory. An empty path disables host
// key checking.
//
// With tofu set, a relay missing from the file is trusted and appended on
// first contact; otherwise it fails with ErrUnknownRelay. A relay whose key
// differs from the one on file fails with ErrHostKeyChanged.
func NewHostKeyCallback(path string, tofu bool, log *zap.Logger) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // User explicitly disabled host key checking.
	}
	if log == nil {
		log = zap.NewNop()
	}

	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	if err := ensureKnownHosts(path); err != nil {
		return nil, err
	}

	onFile, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}

	rk := &relayKeys{
		path:    path,
		tofu:    tofu,
		log:     log.With(zap.String("known_hosts", path)),
		onFile:  onFile,
		learned: make(map[string]ssh.PublicKey),
	}
	return rk.verify, nil
}

// relayKeys checks relays against the file as loaded plus the keys it has
// trusted since then.
type relayKeys struct {
	path   string
	tofu   bool
	log    *zap.Logger
	onFile ssh.HostKeyCallback

	mu      sync.Mutex
	learned map[string]ssh.PublicKey
}

func (rk *relayKeys) verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	err := rk.onFile(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		return fmt.Errorf("%w: %s: %w", ErrHostKeyChanged, hostname, err)
	}

	host := knownhosts.Normalize(hostname)

	rk.mu.Lock()
	defer rk.mu.Unlock()

	if prev, ok := rk.learned[host]; ok {
		if bytes.Equal(prev.Marshal(), key.Marshal()) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrHostKeyChanged, hostname)
	}
	if !rk.tofu {
		return fmt.Errorf("%w: %s: %w", ErrUnknownRelay, hostname, err)
	}

	if err := rk.appendLine(knownhosts.Line([]string{host}, key)); err != nil {
		return err
	}
	rk.learned[host] = key

	rk.log.Info("trusted new relay host key",
		zap.String("host", host),
		zap.String("fingerprint", ssh.FingerprintSHA256(key)))
	return nil
}

func (rk *relayKeys) appendLine(line string) error {
	f, err := os.OpenFile(rk.path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return fmt.Errorf("opening known_hosts for writing: %w", err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing to known_hosts: %w", err)
	}
	return f.Close()
}

func expandHome(path string) (string, error) {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding known_hosts path: %w", err)
	}
	return filepath.Join(home, rest), nil
}

func ensureKnownHosts(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return fmt.Errorf("creating known_hosts file: %w", err)
	}
	return f.Close()
}
