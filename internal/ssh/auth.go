package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentAuthType is the special key source that uses the SSH agent.
const AgentAuthType = "agent"

// AgentAvailable returns true if the SSH agent socket is available.
func AgentAvailable() bool {
	return os.Getenv("SSH_AUTH_SOCK") != ""
}

// AgentSigners connects to the SSH agent and returns all available signers.
func AgentSigners() ([]ssh.Signer, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, errors.New("SSH_AUTH_SOCK not set")
	}

	var d net.Dialer
	conn, err := d.DialContext(context.Background(), "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("connecting to SSH agent: %w", err)
	}
	// conn stays open for the lifetime of the returned signers.

	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("getting signers from SSH agent: %w", err)
	}
	if len(signers) == 0 {
		_ = conn.Close()
		return nil, errors.New("no keys available in SSH agent")
	}

	return signers, nil
}

// LoadPrivateKey reads and parses an OpenSSH private key file.
func LoadPrivateKey(path string) (ssh.Signer, error) {
	keyData, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing key file %s: %w", path, err)
	}

	return signer, nil
}

// LoadSigners loads client key signers from a comma-separated list of
// sources. Each source is either "agent" or a private key file path. An
// empty list yields no signers (token-only authentication).
func LoadSigners(sources string) ([]ssh.Signer, error) {
	var signers []ssh.Signer
	for _, src := range strings.Split(sources, ",") {
		src = strings.TrimSpace(src)
		switch src {
		case "":
			continue
		case AgentAuthType:
			s, err := AgentSigners()
			if err != nil {
				return nil, err
			}
			signers = append(signers, s...)
		default:
			s, err := LoadPrivateKey(src)
			if err != nil {
				return nil, err
			}
			signers = append(signers, s)
		}
	}
	return signers, nil
}

// LoadHostKey loads the relay host key from path, or generates an
// ephemeral Ed25519 key when path is empty.
func LoadHostKey(path string) (ssh.Signer, error) {
	if path == "" {
		return GenerateHostKey()
	}
	return LoadPrivateKey(path)
}

// GenerateHostKey generates a random Ed25519 host key.
func GenerateHostKey() (ssh.Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(key)
}

// TokenAuth returns a PasswordCallback accepting any valid tunnel mode as
// the user name together with the given access token as the password.
func TokenAuth(token string) func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
	return func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
		if !validMode(conn.User()) {
			return nil, fmt.Errorf("invalid tunnel mode %q", conn.User())
		}
		if subtle.ConstantTimeCompare(pass, []byte(token)) != 1 {
			return nil, errors.New("invalid access token")
		}
		return &ssh.Permissions{Extensions: map[string]string{"mode": conn.User()}}, nil
	}
}

func validMode(user string) bool {
	return user == "source" || user == "destination"
}
