// Package tunnel implements the lifecycle of a secure tunnel client.
//
// A Client owns at most one relay connection at a time and moves through
// Stopped, Connecting, Connected and Stopping in response to Start, Stop
// and transport outcomes. Start and Stop never block on the network and
// never call handlers inline; every outcome is reported asynchronously
// through the handlers given to the Builder, from a per-client dispatch
// goroutine, in the order the client posted them.
//
// Each Start and each Stop advances the client's generation. An outcome
// that belongs to an older generation, such as a connect that completes
// after Stop was called, is discarded rather than delivered, so every
// cycle ends with exactly one Stopped (or, for a failed connect, exactly
// one ConnectionFailure) and nothing from that cycle after it.
package tunnel
