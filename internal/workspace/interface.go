package workspace

import (
	"context"
	"time"

	"github.com/mattjoyce/qubes-proxy/internal/workunit"
)

// Workspace is the private staging directory of one host session. Its
// archive is written next to it as <Dir>.tar.
type Workspace struct {
	ID  string
	Dir string
}

// ArchivePath is where Pack writes the workspace archive.
func (w Workspace) ArchivePath() string {
	return w.Dir + ".tar"
}

// Archive describes a packed workspace.
type Archive struct {
	Path   string
	Size   int64
	Digest string // BLAKE3, hex
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs     int
	DeletedArchives int
}

// Manager governs the lifecycle of session workspaces.
type Manager interface {
	// Create makes a new, empty, owner-only workspace with a unique name.
	Create(ctx context.Context) (Workspace, error)

	// Populate lays unit out as playbook.yaml, roles/, host_vars/ and
	// inventory.
	Populate(ctx context.Context, ws Workspace, unit *workunit.Unit) error

	// Pack writes the uncompressed archive of ws.
	Pack(ctx context.Context, ws Workspace) (Archive, error)

	// Remove deletes ws and its archive. Missing pieces are not an error.
	Remove(ws Workspace) error

	// Cleanup removes workspaces and archives older than olderThan, left
	// behind by sessions that did not finish.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
