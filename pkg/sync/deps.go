package sync

import (
	"github.com/sipeed-labs/messagearc/pkg/config"
	"github.com/sipeed-labs/messagearc/pkg/store"
)

// Deps is what cmd/archivist hands each platform Factory: the shared
// store to ingest into and the full parsed config, from which a Factory
// reads only its own section.
type Deps struct {
	Store  *store.Store
	Config *config.Config
}
