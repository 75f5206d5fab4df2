package memstore

import "errors"

// Sentinel errors returned by the MemStore façade, the way
// backend.ErrMetaDoesNotExist is declared for friggdb's backend layer.
var (
	// ErrShardAlreadySetup is returned by Setup when (dataset, shard)
	// already has resources allocated; reuse requires an explicit Reset.
	ErrShardAlreadySetup = errors.New("memstore: shard already set up")

	// ErrShardNotAssigned is returned by any operation addressing a
	// (dataset, shard) this MemStore has not Setup.
	ErrShardNotAssigned = errors.New("memstore: shard not assigned to this node")

	// ErrIngestionAlreadySubscribed is returned by IngestStream when a
	// (dataset, shard) already has an active ingestion subscription.
	ErrIngestionAlreadySubscribed = errors.New("memstore: shard already has an active ingestion subscription")
)
