// Package ssh carries secure tunnel connections over SSH.
//
// The client side ([NewClient]) performs the SSH handshake on an already
// dialed connection, authenticating with the tunnel access token as the
// password and the tunnel mode as the user name. Additional public key
// signers may be offered (private key files or the SSH agent).
//
// The server side ([Relay]) is a minimal local relay: it accepts tunnel
// sessions whose token matches, holds them open until either side
// disconnects, and refuses channel requests. It exists so tunnel clients
// can be exercised end to end without a hosted relay.
//
// Host keys are verified against a known_hosts file with optional
// trust-on-first-use ([NewHostKeyCallback]).
//
// Example usage:
//
//	hostKeyCallback, _ := ssh.NewHostKeyCallback("~/.ssh/known_hosts", true, logger)
//
//	client, err := ssh.NewClient(conn, ssh.ClientConfig{
//	    Username:        "destination",
//	    Password:        token,
//	    HostKeyCallback: hostKeyCallback,
//	}, "relay.example.com:22")
package ssh
