// Package vectorstore provides dense vector storage for space collections.
//
// The package offers a unified interface over multiple ANN providers. Each
// space owns one collection; rows are chunk records with the fields
// {id, content, filename, embedding}, and the embedding dimension is fixed
// when the collection is created.
//
// # Provider Selection
//
// MilvusStore (default):
//   - External Milvus server via gRPC
//   - IVF_FLAT index with L2 distance (nlist=128, nprobe=10)
//   - Recommended for production and large corpora
//
// ChromemStore:
//   - Embedded chromem-go storage (no external dependencies)
//   - Exhaustive cosine-similarity search, no index step
//   - Serves development and tests
//
// Provider selection via config:
//
//	vectorstore:
//	  provider: milvus  # "milvus" (default) or "chromem"
//
// # Usage
//
//	store, err := vectorstore.NewStore(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	state, err := store.EnsureCollection(ctx, "space_docs", 768, false)
//	if err != nil {
//	    return err
//	}
//
//	err = store.Insert(ctx, "space_docs", vectorstore.InsertBatch{
//	    Contents:   chunks,
//	    Filenames:  names,
//	    Embeddings: vectors,
//	})
//
//	// Index and load once after the first bulk insert.
//	if err := store.CreateIndex(ctx, "space_docs"); err != nil {
//	    return err
//	}
//	if err := store.LoadCollection(ctx, "space_docs"); err != nil {
//	    return err
//	}
//
//	hits, err := store.Search(ctx, "space_docs", queryVector, 20)
//
// # Error Handling
//
// Query-time conditions that mean "this space has not been indexed yet"
// (missing index, collection not loaded) surface as ErrCollectionNotIndexed
// so callers can report them uniformly. An existing collection whose
// dimension differs from the requested one reports ErrDimensionMismatch;
// recovery requires EnsureCollection with recreate set.
//
// # Scores
//
// Hit order is always best-first, but the score scale is provider-specific:
// Milvus reports L2 distances (lower is closer) while chromem reports cosine
// similarities (higher is closer). Callers that fuse results should rely on
// rank, not raw scores.
package vectorstore
