package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"tickbatch.ai/internal/persistence/indexdb"
)

// openIndex returns nil when indexing is disabled by flag or by
// TICKBATCH_INDEX_BACKEND=none.
func openIndex(worldDir, worldID string, disableDB bool, logger *log.Logger) (*indexdb.SQLiteIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("TICKBATCH_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		logger.Printf("index disabled (TICKBATCH_INDEX_BACKEND=%s)", backend)
		return nil, nil
	case "sqlite":
		dbPath := filepath.Join(worldDir, "index", "world.sqlite")
		idx, err := indexdb.OpenSQLite(dbPath, worldID)
		if err != nil {
			return nil, err
		}
		idx.IndexEntities = envBool("TICKBATCH_INDEX_ENTITIES", true)
		logger.Printf("index: %s (entities=%v)", dbPath, idx.IndexEntities)
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported TICKBATCH_INDEX_BACKEND: %s", backend)
	}
}
