package wire

import "time"

// Protocol-wide constants. These are shared between the metadata server,
// chunkservers and clients; changing any of them is a wire-level break.
const (
	// MaxChunkSize is the fixed upper bound on a single chunk body.
	MaxChunkSize = 64 * 1024 * 1024

	// NChunkReplicas is the number of replica copies per chunk, in
	// addition to the primary. Total copies = NChunkReplicas + 1.
	NChunkReplicas = 2

	// MaxSpawnedTasks bounds client-side chunk fan-out concurrency.
	MaxSpawnedTasks = 16

	// HeartbeatInterval is how often a chunkserver reports liveness.
	HeartbeatInterval = 60 * time.Second

	// HeartbeatMargin is the RTT/retry tolerance added on top of
	// HeartbeatInterval before a chunkserver is considered dead.
	HeartbeatMargin = 15 * time.Second

	// MaxPayloadSize caps a single framed metadata payload. Chunk bodies
	// are streamed raw after the payload and are not subject to this cap.
	MaxPayloadSize = 16 * 1024 * 1024
)

// ALPN is the application protocol identifier negotiated on every
// connection in the cluster.
const ALPN = "hq-29"
