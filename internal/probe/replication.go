package probe

import (
	"context"
	"fmt"

	"github.com/roach88/clustertest/internal/dbconn"
)

// DefaultArtifactName is the slot and publication name adapters create when
// none is configured.
const DefaultArtifactName = "readyset"

const (
	slotQuery        = "SELECT slot_name FROM pg_replication_slots WHERE slot_name = $1"
	publicationQuery = "SELECT pubname FROM pg_publication WHERE pubname = $1"
)

// ArtifactState is a point-in-time observation of the upstream catalog.
type ArtifactState struct {
	SlotExists        bool
	PublicationExists bool
}

// Clean reports whether neither artifact is present.
func (s ArtifactState) Clean() bool {
	return !s.SlotExists && !s.PublicationExists
}

func (s ArtifactState) String() string {
	return fmt.Sprintf("slot=%t publication=%t", s.SlotExists, s.PublicationExists)
}

// SlotExists reports whether a replication slot named name exists. It returns
// false for non-PostgreSQL connections and when the lookup fails; use
// Artifacts to tell those cases apart from a genuinely absent slot.
func SlotExists(ctx context.Context, conn dbconn.Conn, name string) bool {
	ok, err := catalogHas(ctx, conn, slotQuery, name)
	return err == nil && ok
}

// PublicationExists is SlotExists for publications.
func PublicationExists(ctx context.Context, conn dbconn.Conn, name string) bool {
	ok, err := catalogHas(ctx, conn, publicationQuery, name)
	return err == nil && ok
}

// Artifacts looks up both artifacts. Unlike the boolean predicates it returns
// an error when the state cannot be determined.
func Artifacts(ctx context.Context, conn dbconn.Conn, name string) (ArtifactState, error) {
	slot, err := catalogHas(ctx, conn, slotQuery, name)
	if err != nil {
		return ArtifactState{}, fmt.Errorf("replication slot %q: %w", name, err)
	}
	pub, err := catalogHas(ctx, conn, publicationQuery, name)
	if err != nil {
		return ArtifactState{}, fmt.Errorf("publication %q: %w", name, err)
	}
	return ArtifactState{SlotExists: slot, PublicationExists: pub}, nil
}

func catalogHas(ctx context.Context, conn dbconn.Conn, query, name string) (bool, error) {
	if conn.Dialect() != dbconn.PostgreSQL {
		return false, &dbconn.DecodeError{
			Want:    dbconn.PostgreSQL,
			Got:     conn.Dialect(),
			Message: "replication artifacts are a postgresql catalog concept",
		}
	}
	rs, err := conn.Execute(ctx, query, dbconn.Text(name))
	if err != nil {
		return false, err
	}
	return rs.Len() > 0, nil
}
