package vectorstore

import (
	"fmt"

	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/fyrsmithlabs/corpusd/internal/logging"
)

// NewStore creates a Store based on the configuration.
//
// The factory examines VectorStoreConfig.Provider:
//   - "milvus" (default): external Milvus server over gRPC
//   - "chromem": embedded chromem-go, no external dependencies
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store, err := vectorstore.NewStore(cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
func NewStore(cfg *config.Config, logger *logging.Logger) (Store, error) {
	switch cfg.VectorStore.Provider {
	case "milvus", "":
		return NewMilvusStore(MilvusConfig{
			Host: cfg.Milvus.Host,
			Port: cfg.Milvus.Port,
		}, logger)

	case "chromem":
		return NewChromemStore(ChromemConfig{
			Path:     cfg.VectorStore.Path,
			Compress: cfg.VectorStore.Compress,
		}, logger)

	default:
		return nil, fmt.Errorf("%w: unsupported provider %q (supported: milvus, chromem)", ErrInvalidConfig, cfg.VectorStore.Provider)
	}
}
