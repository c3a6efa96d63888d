package domain

import (
	"context"
	"errors"
)

var ErrNotConfigured = errors.New("export credentials not configured")

// Artifact describes one fetched raw export file.
type Artifact struct {
	Filename string
	SizeMB   float64
}

// Exporter fetches one new export artifact from the upstream payment
// platform into the artifact directory. Filenames encode a sortable
// timestamp so oldest-first eviction is well-defined.
type Exporter interface {
	// Configured reports whether credentials are present. Fetching before
	// configuration returns ErrNotConfigured.
	Configured() bool
	FetchExport(ctx context.Context) (Artifact, error)
}

// CredentialStore persists the upstream platform credentials.
type CredentialStore interface {
	Save(email, password string) error
	Load() (email, password string, err error)
}
