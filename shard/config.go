package shard

import "time"

// Config holds a Shard's tunables, yaml-tagged exactly like
// friggdb.Config / wal.Config, enumerating spec.md §6's shard config
// keys.
type Config struct {
	GroupsPerShard         uint32        `yaml:"groupsPerShard"`
	MaxChunkRows           int           `yaml:"maxChunksSize"`
	ChunksToKeep           int           `yaml:"chunksToKeep"`
	IngestionBufferMemSize int64         `yaml:"ingestionBufferMemSize"`
	MinWriteBuffersFree    int64         `yaml:"minWriteBuffersFree"`
	FlushTaskParallelism   int           `yaml:"flushTaskParallelism"`
	DiskTimeToLiveSeconds  int           `yaml:"diskTimeToLiveSeconds"`
	FlushDrainTimeout      time.Duration `yaml:"flushDrainTimeout"`

	// EventQueueDepth bounds the channel between ingestStream/ingest
	// callers and the ingestion executor; once full, Ingest blocks,
	// which is the back-pressure mechanism spec.md §5 describes as
	// "the ingestion stream pauses the upstream".
	EventQueueDepth int `yaml:"eventQueueDepth"`
}

func (c Config) withDefaults() Config {
	if c.GroupsPerShard == 0 {
		c.GroupsPerShard = 1
	}
	if c.MaxChunkRows <= 0 {
		c.MaxChunkRows = 1000
	}
	if c.ChunksToKeep <= 0 {
		c.ChunksToKeep = 4
	}
	if c.IngestionBufferMemSize <= 0 {
		c.IngestionBufferMemSize = 64 << 20
	}
	if c.MinWriteBuffersFree <= 0 {
		c.MinWriteBuffersFree = c.IngestionBufferMemSize / 10
	}
	if c.FlushTaskParallelism <= 0 {
		c.FlushTaskParallelism = 4
	}
	if c.FlushDrainTimeout <= 0 {
		c.FlushDrainTimeout = 30 * time.Second
	}
	if c.EventQueueDepth <= 0 {
		c.EventQueueDepth = 128
	}
	return c
}
