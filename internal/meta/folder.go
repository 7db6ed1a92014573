package meta

import (
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// FolderStore keeps the opaque folder-structure blob each client persists
// at the metadata server. The blob is pass-through: the server never
// inspects it.
type FolderStore struct {
	blobs *xsync.MapOf[uuid.UUID, []byte]
}

// NewFolderStore creates an empty store.
func NewFolderStore() *FolderStore {
	return &FolderStore{blobs: xsync.NewMapOf[uuid.UUID, []byte]()}
}

// Get returns the stored blob for a client identity; nil if none exists.
func (f *FolderStore) Get(clientID uuid.UUID) []byte {
	blob, _ := f.blobs.Load(clientID)
	return blob
}

// Put replaces the stored blob for a client identity.
func (f *FolderStore) Put(clientID uuid.UUID, blob []byte) {
	f.blobs.Store(clientID, append([]byte(nil), blob...))
}
