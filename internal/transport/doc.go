// Package transport provides the connection transports a tunnel client uses
// to reach a tunneling relay.
//
// A [Transport] opens one [Conn] per connection attempt. Open blocks until
// the connection is established or ctx is done; callers that need
// asynchronous behavior run it in their own goroutine and cancel ctx to
// abort the attempt. A Conn reports peer-initiated or local shutdown by
// closing its Done channel, and Close releases everything the Conn owns.
//
// Implementations:
//   - websocket: TLS WebSocket to a secure tunneling data endpoint
//   - ssh: SSH session to a relay, authenticated with the access token
//
// The tunnel multiplexing wire format is not implemented here; received
// frames are drained and counted.
package transport
