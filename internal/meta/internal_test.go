package meta

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"

	"silo/internal/wire"
)

func TestDiscoverAndHeartbeatLoop(t *testing.T) {
	state := NewState(nil)
	internal := NewInternal(InternalConfig{State: state})

	serverID := uuid.New()
	stored := []uuid.UUID{uuid.New(), uuid.New()}

	// One stream carrying a discover followed by two heartbeats, the way a
	// chunkserver actually speaks.
	var buf bytes.Buffer
	msgs := []wire.MetadataInternalMessage{
		wire.ChunkServerDiscoverPayload{
			ServerID:        serverID,
			Hostname:        "cs-1.local",
			RackID:          "rack-a",
			InternalAddress: "127.0.0.1:9100",
			ExternalAddress: "127.0.0.1:9001",
			StoredChunks:    stored,
		},
		wire.HeartbeatPayload{ServerID: serverID, ClientRequestsCount: 3, AvailableSpace: 500},
		wire.HeartbeatPayload{ServerID: serverID, ClientRequestsCount: 9, AvailableSpace: 400},
	}
	for _, m := range msgs {
		if err := wire.EncodeMetadataInternal(&buf, m); err != nil {
			t.Fatal(err)
		}
	}

	if err := internal.HandleUniStream(t.Context(), &buf); err != nil {
		t.Fatalf("message loop: %v", err)
	}

	srv, ok := state.Server(serverID)
	if !ok {
		t.Fatal("server not registered")
	}
	if srv.ClientRequestCount != 9 || srv.AvailableSpace != 400 {
		t.Errorf("last heartbeat not applied: %+v", srv)
	}
	if len(srv.Chunks) != len(stored) {
		t.Errorf("stored chunks = %d, want %d", len(srv.Chunks), len(stored))
	}
}

func TestHeartbeatFromUnknownServerIgnored(t *testing.T) {
	state := NewState(nil)
	internal := NewInternal(InternalConfig{State: state})

	var buf bytes.Buffer
	if err := wire.EncodeMetadataInternal(&buf, wire.HeartbeatPayload{ServerID: uuid.New()}); err != nil {
		t.Fatal(err)
	}
	if err := internal.HandleUniStream(t.Context(), &buf); err != nil {
		t.Fatalf("stale heartbeat errored the stream: %v", err)
	}
	if n := len(state.LiveServers()); n != 0 {
		t.Errorf("stale heartbeat created %d entries", n)
	}
}

func TestPruneDegradesAndFiresHook(t *testing.T) {
	now := time.Now()
	clock := &now
	state := NewState(func() time.Time { return *clock })

	var hooked []uuid.UUID
	internal := NewInternal(InternalConfig{
		State:            state,
		OnChunksDegraded: func(chunks []uuid.UUID) { hooked = chunks },
	})

	dead := uuid.New()
	chunkID := uuid.New()
	state.UpsertServer(testServer(dead))
	state.PlaceChunk(&ChunkMetadata{ChunkID: chunkID, Primary: dead})

	later := now.Add(wire.HeartbeatInterval + wire.HeartbeatMargin + time.Second)
	clock = &later

	internal.prune()

	if _, ok := state.Server(dead); ok {
		t.Error("dead server survived prune")
	}
	if len(hooked) != 1 || hooked[0] != chunkID {
		t.Errorf("rereplication hook got %v, want [%s]", hooked, chunkID)
	}
	cm, _ := state.Chunk(chunkID)
	if cm.HasPrimary() {
		t.Error("dead primary not cleared")
	}
}
