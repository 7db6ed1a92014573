package chunkserver

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"silo/internal/wire"
)

// reqStream is an in-memory request/response stream for driving handlers
// without a transport underneath.
type reqStream struct {
	in  io.Reader
	out bytes.Buffer
}

func (s *reqStream) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *reqStream) Write(p []byte) (int, error) { return s.out.Write(p) }
func (s *reqStream) Close() error                { return nil }

func uploadStream(t *testing.T, id uuid.UUID, body []byte) *reqStream {
	t.Helper()
	var buf bytes.Buffer
	msg := wire.UploadChunkPayload{ChunkID: id, ChunkSize: uint64(len(body))}
	if err := wire.EncodeChunkserverExternal(&buf, msg); err != nil {
		t.Fatal(err)
	}
	buf.Write(body)
	return &reqStream{in: bytes.NewReader(buf.Bytes())}
}

func downloadStream(t *testing.T, id uuid.UUID) *reqStream {
	t.Helper()
	var buf bytes.Buffer
	if err := wire.EncodeChunkserverExternal(&buf, wire.DownloadChunkRequestPayload{ChunkID: id}); err != nil {
		t.Fatal(err)
	}
	return &reqStream{in: bytes.NewReader(buf.Bytes())}
}

func status(t *testing.T, s *reqStream) wire.RequestStatus {
	t.Helper()
	msg, err := wire.DecodeClient(&s.out)
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	payload, ok := msg.(wire.RequestStatusPayload)
	if !ok {
		t.Fatalf("got %T, want RequestStatusPayload", msg)
	}
	return payload.Status
}

func newTestExternal(t *testing.T) *External {
	t.Helper()
	return NewExternal(ExternalConfig{Store: newTestStore(t)})
}

func randomBody(t *testing.T, n int) []byte {
	t.Helper()
	body := make([]byte, n)
	if _, err := rand.Read(body); err != nil {
		t.Fatal(err)
	}
	return body
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	ext := newTestExternal(t)
	id := uuid.New()
	body := randomBody(t, 2_000_000)

	up := uploadStream(t, id, body)
	if err := ext.HandleStream(t.Context(), up); err != nil {
		t.Fatal(err)
	}
	if got := status(t, up); got != wire.StatusOK {
		t.Fatalf("upload status = %v", got)
	}

	down := downloadStream(t, id)
	if err := ext.HandleStream(t.Context(), down); err != nil {
		t.Fatal(err)
	}
	msg, err := wire.DecodeClient(&down.out)
	if err != nil {
		t.Fatal(err)
	}
	resp, ok := msg.(wire.DownloadChunkResponsePayload)
	if !ok {
		t.Fatalf("got %T, want DownloadChunkResponsePayload", msg)
	}
	if resp.ChunkID != id || resp.ChunkSize != uint64(len(body)) {
		t.Fatalf("response = %+v", resp)
	}
	got := make([]byte, resp.ChunkSize)
	if _, err := io.ReadFull(&down.out, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Error("downloaded bytes differ from uploaded bytes")
	}
}

func TestUploadTruncatedBodyLeavesNothing(t *testing.T) {
	ext := newTestExternal(t)
	id := uuid.New()
	body := randomBody(t, 10_000)

	// Connection dies mid-body: the stream carries half the chunk.
	full := uploadStream(t, id, body)
	raw, _ := io.ReadAll(full.in)
	torn := &reqStream{in: bytes.NewReader(raw[:len(raw)-5_000])}

	if err := ext.HandleStream(t.Context(), torn); err == nil {
		t.Fatal("truncated upload reported success")
	}

	if _, err := os.Stat(ext.store.FinalPath(id)); !errors.Is(err, os.ErrNotExist) {
		t.Error("final file exists after failed upload")
	}
	if _, err := os.Stat(ext.store.TempPath(id)); !errors.Is(err, os.ErrNotExist) {
		t.Error("temp file left behind after failed upload")
	}

	// Retrying the same chunk id now succeeds.
	retry := uploadStream(t, id, body)
	if err := ext.HandleStream(t.Context(), retry); err != nil {
		t.Fatal(err)
	}
	if got := status(t, retry); got != wire.StatusOK {
		t.Errorf("retry status = %v", got)
	}
}

func TestUploadDuplicate(t *testing.T) {
	ext := newTestExternal(t)
	id := uuid.New()
	body := []byte("same chunk twice")

	first := uploadStream(t, id, body)
	if err := ext.HandleStream(t.Context(), first); err != nil {
		t.Fatal(err)
	}
	if got := status(t, first); got != wire.StatusOK {
		t.Fatalf("first upload: %v", got)
	}

	second := uploadStream(t, id, body)
	if err := ext.HandleStream(t.Context(), second); err != nil {
		t.Fatal(err)
	}
	if got := status(t, second); got != wire.StatusInvalidRequest {
		t.Errorf("duplicate upload status = %v, want InvalidRequest", got)
	}
}

func TestUploadConcurrentDuplicate(t *testing.T) {
	ext := newTestExternal(t)
	id := uuid.New()
	body := randomBody(t, 100_000)

	const n = 4
	var ok, invalid atomic.Int32
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			s := uploadStream(t, id, body)
			if err := ext.HandleStream(t.Context(), s); err != nil {
				t.Errorf("handler: %v", err)
				return
			}
			switch status(t, s) {
			case wire.StatusOK:
				ok.Add(1)
			case wire.StatusInvalidRequest:
				invalid.Add(1)
			}
		})
	}
	wg.Wait()

	if ok.Load() != 1 || invalid.Load() != n-1 {
		t.Errorf("ok=%d invalid=%d, want 1/%d", ok.Load(), invalid.Load(), n-1)
	}
	if _, err := os.Stat(ext.store.TempPath(id)); !errors.Is(err, os.ErrNotExist) {
		t.Error("temp file left behind")
	}
	got, err := os.ReadFile(ext.store.FinalPath(id))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Error("final chunk corrupted by concurrent duplicates")
	}
}

func TestUploadRejectsOversizedChunk(t *testing.T) {
	ext := newTestExternal(t)

	var buf bytes.Buffer
	msg := wire.UploadChunkPayload{ChunkID: uuid.New(), ChunkSize: wire.MaxChunkSize + 1}
	if err := wire.EncodeChunkserverExternal(&buf, msg); err != nil {
		t.Fatal(err)
	}
	s := &reqStream{in: bytes.NewReader(buf.Bytes())}
	if err := ext.HandleStream(t.Context(), s); err != nil {
		t.Fatal(err)
	}
	if got := status(t, s); got != wire.StatusInvalidRequest {
		t.Errorf("status = %v, want InvalidRequest", got)
	}
}

func TestDownloadUnknownChunk(t *testing.T) {
	ext := newTestExternal(t)

	s := downloadStream(t, uuid.New())
	if err := ext.HandleStream(t.Context(), s); err != nil {
		t.Fatal(err)
	}
	if got := status(t, s); got != wire.StatusInvalidRequest {
		t.Errorf("status = %v, want InvalidRequest", got)
	}
}

func TestRequestCounterSwaps(t *testing.T) {
	ext := newTestExternal(t)

	for range 3 {
		s := downloadStream(t, uuid.New())
		_ = ext.HandleStream(t.Context(), s)
	}

	if got := ext.RequestsSinceHeartbeat(); got != 3 {
		t.Errorf("count = %d, want 3", got)
	}
	if got := ext.RequestsSinceHeartbeat(); got != 0 {
		t.Errorf("count after swap = %d, want 0", got)
	}
}
