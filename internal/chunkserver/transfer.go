package chunkserver

import (
	"errors"
	"os"
)

// Transfer is a scoped handle over an in-flight chunk temp file. Until
// Commit is called, Close removes the file, so every early return during an
// upload leaves no partial state behind. After Commit the file has been
// renamed into the final path and Close is a no-op.
type Transfer struct {
	path      string
	committed bool
}

// NewTransfer binds a cleanup handle to path. The file need not exist yet:
// Close treats a missing file as already cleaned up.
func NewTransfer(path string) *Transfer {
	return &Transfer{path: path}
}

// Commit marks the transfer as renamed into place, disarming cleanup.
func (t *Transfer) Commit() {
	t.committed = true
}

// Close removes the temp file unless the transfer committed.
func (t *Transfer) Close() error {
	if t.committed {
		return nil
	}
	if err := os.Remove(t.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
