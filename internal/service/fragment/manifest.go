package fragment

import "time"

// Entry fingerprints the currently stored render of one fragment kind.
type Entry struct {
	Hash      string    `json:"hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manifest is the per-site fragment tracking document, stored beside the
// fragments in object storage. It is always read and rewritten in full; it
// is an eventually-consistent side document, not lifecycle state.
type Manifest struct {
	Version   int              `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
	Fragments map[string]Entry `json:"fragments"`
}

func emptyManifest() Manifest {
	return Manifest{Fragments: make(map[string]Entry)}
}
