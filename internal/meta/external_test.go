package meta

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"silo/internal/wire"
)

// reqStream is an in-memory request/response stream: the handler reads the
// encoded request and writes its response into a buffer.
type reqStream struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func (s *reqStream) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *reqStream) Write(p []byte) (int, error) { return s.out.Write(p) }
func (s *reqStream) Close() error                { return nil }

func request(t *testing.T, msg wire.MetadataExternalMessage) *reqStream {
	t.Helper()
	var buf bytes.Buffer
	if err := wire.EncodeMetadataExternal(&buf, msg); err != nil {
		t.Fatal(err)
	}
	return &reqStream{in: bytes.NewReader(buf.Bytes())}
}

func response(t *testing.T, s *reqStream) wire.ClientMessage {
	t.Helper()
	msg, err := wire.DecodeClient(&s.out)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return msg
}

func clusterOf(t *testing.T, n int) (*State, *External) {
	t.Helper()
	state := NewState(nil)
	for range n {
		state.UpsertServer(testServer(uuid.New()))
	}
	return state, NewExternal(ExternalConfig{State: state})
}

func TestPlaceFile(t *testing.T) {
	_, ext := clusterOf(t, 3)

	s := request(t, wire.ChunkPlacementRequestPayload{Filename: "foo", FileSize: 100 << 20})
	if err := ext.HandleStream(t.Context(), s); err != nil {
		t.Fatal(err)
	}

	msg := response(t, s)
	resp, ok := msg.(wire.ChunkPlacementResponsePayload)
	if !ok {
		t.Fatalf("unexpected response type %T", msg)
	}
	// 100 MiB at 64 MiB per chunk: 2 chunks.
	if len(resp.SelectedChunkservers) != 2 {
		t.Fatalf("got %d chunks, want 2", len(resp.SelectedChunkservers))
	}
	for _, loc := range resp.SelectedChunkservers {
		if loc.Primary.Address == "" {
			t.Error("primary not resolved to an address")
		}
		if len(loc.Replicas) != wire.NChunkReplicas {
			t.Errorf("got %d replicas, want %d", len(loc.Replicas), wire.NChunkReplicas)
		}
	}
}

func TestPlaceFileDuplicate(t *testing.T) {
	_, ext := clusterOf(t, 3)

	first := request(t, wire.ChunkPlacementRequestPayload{Filename: "foo", FileSize: 1})
	if err := ext.HandleStream(t.Context(), first); err != nil {
		t.Fatal(err)
	}

	second := request(t, wire.ChunkPlacementRequestPayload{Filename: "foo", FileSize: 1})
	if err := ext.HandleStream(t.Context(), second); err != nil {
		t.Fatal(err)
	}
	status, ok := response(t, second).(wire.RequestStatusPayload)
	if !ok || status.Status != wire.StatusInvalidRequest {
		t.Errorf("duplicate create: got %+v, want InvalidRequest", status)
	}
}

func TestPlaceFileConcurrentDuplicate(t *testing.T) {
	_, ext := clusterOf(t, 3)

	const n = 8
	var placements, rejections atomic.Int32
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			s := request(t, wire.ChunkPlacementRequestPayload{Filename: "bar", FileSize: 1})
			if err := ext.HandleStream(t.Context(), s); err != nil {
				t.Errorf("handler: %v", err)
				return
			}
			switch m := response(t, s).(type) {
			case wire.ChunkPlacementResponsePayload:
				placements.Add(1)
			case wire.RequestStatusPayload:
				if m.Status == wire.StatusInvalidRequest {
					rejections.Add(1)
				}
			}
		})
	}
	wg.Wait()

	if placements.Load() != 1 || rejections.Load() != n-1 {
		t.Errorf("placements=%d rejections=%d, want 1/%d", placements.Load(), rejections.Load(), n-1)
	}
}

func TestPlaceFileInfeasible(t *testing.T) {
	// Two servers cannot satisfy primary + 2 replicas.
	state, ext := clusterOf(t, 2)

	s := request(t, wire.ChunkPlacementRequestPayload{Filename: "foo", FileSize: 1})
	if err := ext.HandleStream(t.Context(), s); err != nil {
		t.Fatal(err)
	}
	status, ok := response(t, s).(wire.RequestStatusPayload)
	if !ok || status.Status != wire.StatusInvalidRequest {
		t.Fatalf("got %+v, want InvalidRequest", status)
	}

	// The name is released; a later request on a grown cluster succeeds.
	if _, exists := state.File("foo"); exists {
		t.Error("failed placement left the filename claimed")
	}
	state.UpsertServer(testServer(uuid.New()))
	retry := request(t, wire.ChunkPlacementRequestPayload{Filename: "foo", FileSize: 1})
	if err := ext.HandleStream(t.Context(), retry); err != nil {
		t.Fatal(err)
	}
	if _, ok := response(t, retry).(wire.ChunkPlacementResponsePayload); !ok {
		t.Error("retry after cluster growth did not place")
	}
}

func TestFetchFilePlacement(t *testing.T) {
	state, ext := clusterOf(t, 3)

	place := request(t, wire.ChunkPlacementRequestPayload{Filename: "foo", FileSize: 70 << 20})
	if err := ext.HandleStream(t.Context(), place); err != nil {
		t.Fatal(err)
	}
	placed := response(t, place).(wire.ChunkPlacementResponsePayload)

	get := request(t, wire.GetFilePlacementRequestPayload{Filename: "foo"})
	if err := ext.HandleStream(t.Context(), get); err != nil {
		t.Fatal(err)
	}
	resp, ok := response(t, get).(wire.GetFilePlacementResponsePayload)
	if !ok {
		t.Fatal("no placement response")
	}
	if len(resp.ChunksLocations) != len(placed.SelectedChunkservers) {
		t.Fatalf("got %d chunk locations, want %d", len(resp.ChunksLocations), len(placed.SelectedChunkservers))
	}
	for i, loc := range resp.ChunksLocations {
		if loc.ChunkID != placed.SelectedChunkservers[i].ChunkID {
			t.Errorf("chunk %d: order changed", i)
		}
	}

	// Missing file is a client error.
	missing := request(t, wire.GetFilePlacementRequestPayload{Filename: "nope"})
	if err := ext.HandleStream(t.Context(), missing); err != nil {
		t.Fatal(err)
	}
	status := response(t, missing).(wire.RequestStatusPayload)
	if status.Status != wire.StatusInvalidRequest {
		t.Errorf("missing file: got %v", status.Status)
	}

	// A chunk without a primary is a server-side failure.
	file, _ := state.File("foo")
	state.clearServerFromChunk(file.Chunks[0], placed.SelectedChunkservers[0].Primary.ServerID)
	lost := request(t, wire.GetFilePlacementRequestPayload{Filename: "foo"})
	if err := ext.HandleStream(t.Context(), lost); err == nil {
		t.Fatal("expected error for chunk without primary")
	}
	status = response(t, lost).(wire.RequestStatusPayload)
	if status.Status != wire.StatusInternalServerError {
		t.Errorf("lost primary: got %v, want InternalServerError", status.Status)
	}
}

func TestFolderStructureRoundTrip(t *testing.T) {
	_, ext := clusterOf(t, 0)
	clientID := uuid.New()
	blob := []byte(`{"root":["docs","media"]}`)

	put := request(t, wire.UpdateClientFolderStructurePayload{ClientID: clientID, Structure: blob})
	if err := ext.HandleStream(t.Context(), put); err != nil {
		t.Fatal(err)
	}
	if status := response(t, put).(wire.RequestStatusPayload); status.Status != wire.StatusOK {
		t.Fatalf("update: got %v", status.Status)
	}

	get := request(t, wire.GetClientFolderStructureRequestPayload{ClientID: clientID})
	if err := ext.HandleStream(t.Context(), get); err != nil {
		t.Fatal(err)
	}
	resp := response(t, get).(wire.GetClientFolderStructureResponsePayload)
	if !bytes.Equal(resp.Structure, blob) {
		t.Errorf("got %q, want %q", resp.Structure, blob)
	}

	// Unknown client gets an empty blob, not an error.
	other := request(t, wire.GetClientFolderStructureRequestPayload{ClientID: uuid.New()})
	if err := ext.HandleStream(t.Context(), other); err != nil {
		t.Fatal(err)
	}
	if resp := response(t, other).(wire.GetClientFolderStructureResponsePayload); len(resp.Structure) != 0 {
		t.Errorf("unknown client: got %q, want empty", resp.Structure)
	}
}

func TestHandleStreamProtocolError(t *testing.T) {
	_, ext := clusterOf(t, 3)

	s := &reqStream{in: bytes.NewReader([]byte{0xEE, 0, 0, 0, 0})}
	if err := ext.HandleStream(t.Context(), s); err == nil {
		t.Error("unknown variant accepted")
	}
}

var _ io.ReadWriteCloser = (*reqStream)(nil)
