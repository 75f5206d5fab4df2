package shard

import "errors"

// ErrShardStopped is returned by Ingest/FlushCommand once Stop has
// been called; callers must not reuse a stopped Shard.
var ErrShardStopped = errors.New("shard: stopped")
