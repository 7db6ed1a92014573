package wire

import "github.com/google/uuid"

// ChunkserverLocation identifies one chunkserver endpoint as handed to
// clients: enough to dial it and verify its certificate.
type ChunkserverLocation struct {
	ServerID uuid.UUID `msgpack:"server_id"`
	Hostname string    `msgpack:"hostname"`
	Address  string    `msgpack:"address"`
}

// ChunkLocations is the placement of a single chunk: the primary that
// serves it and the replicas that also hold it.
type ChunkLocations struct {
	ChunkID  uuid.UUID             `msgpack:"chunk_id"`
	Primary  ChunkserverLocation   `msgpack:"primary"`
	Replicas []ChunkserverLocation `msgpack:"replicas"`
}

// ChunkPlacementRequestPayload asks the metadata server to allocate chunks
// for a new file and pick chunkservers for each of them.
type ChunkPlacementRequestPayload struct {
	Filename string `msgpack:"filename"`
	FileSize uint64 `msgpack:"file_size"`
}

// ChunkPlacementResponsePayload carries the per-chunk locations the client
// should stream the file's chunks to, in chunk order.
type ChunkPlacementResponsePayload struct {
	SelectedChunkservers []ChunkLocations `msgpack:"selected_chunkservers"`
}

// GetFilePlacementRequestPayload asks where an existing file's chunks live.
type GetFilePlacementRequestPayload struct {
	Filename string `msgpack:"filename"`
}

// GetFilePlacementResponsePayload lists the locations of every chunk of the
// requested file, in chunk (byte) order.
type GetFilePlacementResponsePayload struct {
	ChunksLocations []ChunkLocations `msgpack:"chunks_locations"`
}

// GetClientFolderStructureRequestPayload fetches the opaque folder
// structure blob stored for a client identity.
type GetClientFolderStructureRequestPayload struct {
	ClientID uuid.UUID `msgpack:"client_id"`
}

// GetClientFolderStructureResponsePayload returns the stored blob; empty if
// the client has never uploaded one.
type GetClientFolderStructureResponsePayload struct {
	Structure []byte `msgpack:"structure"`
}

// UpdateClientFolderStructurePayload replaces the stored folder structure
// blob for a client identity.
type UpdateClientFolderStructurePayload struct {
	ClientID  uuid.UUID `msgpack:"client_id"`
	Structure []byte    `msgpack:"structure"`
}

// ChunkServerDiscoverPayload introduces a chunkserver to the metadata
// server, on first connect and after every reconnect.
type ChunkServerDiscoverPayload struct {
	ServerID        uuid.UUID   `msgpack:"server_id"`
	Hostname        string      `msgpack:"hostname"`
	RackID          string      `msgpack:"rack_id"`
	InternalAddress string      `msgpack:"internal_address"`
	ExternalAddress string      `msgpack:"external_address"`
	StoredChunks    []uuid.UUID `msgpack:"stored_chunks"`
}

// AcceptNewChunkserverPayload is reserved: the metadata server may answer a
// discover with an assigned id. Unused at runtime, kept round-trippable.
type AcceptNewChunkserverPayload struct {
	ChunkserverNewID uuid.UUID `msgpack:"chunkserver_new_id"`
}

// HeartbeatPayload is the periodic liveness and utilization report.
type HeartbeatPayload struct {
	ServerID uuid.UUID `msgpack:"server_id"`
	// ClientRequestsCount is the number of external requests served since
	// the previous heartbeat.
	ClientRequestsCount uint64 `msgpack:"client_requests_count"`
	// AvailableSpace is the usable space left on the chunkserver in bytes.
	AvailableSpace uint64 `msgpack:"available_space"`
}

// UploadChunkPayload precedes exactly ChunkSize raw body bytes on the same
// stream.
type UploadChunkPayload struct {
	ChunkID   uuid.UUID `msgpack:"chunk_id"`
	ChunkSize uint64    `msgpack:"chunk_size"`
}

// DownloadChunkRequestPayload asks a chunkserver for one stored chunk.
type DownloadChunkRequestPayload struct {
	ChunkID uuid.UUID `msgpack:"chunk_id"`
}

// DownloadChunkResponsePayload precedes exactly ChunkSize raw body bytes on
// the same stream.
type DownloadChunkResponsePayload struct {
	ChunkID   uuid.UUID `msgpack:"chunk_id"`
	ChunkSize uint64    `msgpack:"chunk_size"`
}

// RequestStatus is the terminal status of a request that has no richer
// typed response.
type RequestStatus uint8

const (
	StatusOK RequestStatus = iota
	StatusInvalidRequest
	StatusInternalServerError
)

func (s RequestStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidRequest:
		return "invalid request"
	case StatusInternalServerError:
		return "internal server error"
	default:
		return "unknown status"
	}
}

// RequestStatusPayload carries a RequestStatus on the wire.
type RequestStatusPayload struct {
	Status RequestStatus `msgpack:"status"`
}
