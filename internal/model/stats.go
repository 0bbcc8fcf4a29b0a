package model

// TierStats reports counters for a single cache tier.
type TierStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`
}

// DedupStats reports dedup tracker size and record ages.
type DedupStats struct {
	Size       int            `json:"size"`
	AgeBuckets map[string]int `json:"age_buckets"`
}

// PollerStats reports the ingestion engine state.
type PollerStats struct {
	State              string `json:"state"`
	LastProcessedBlock uint64 `json:"last_processed_block"`
	TrackedContracts   int    `json:"tracked_contracts"`
	Emitted            uint64 `json:"emitted"`
	Duplicates         uint64 `json:"duplicates"`
	DecodeFailures     uint64 `json:"decode_failures"`
}

// Stats is the snapshot returned by the operational stats accessor.
type Stats struct {
	Cache  map[string]TierStats `json:"cache"`
	Dedup  DedupStats           `json:"dedup"`
	Poller PollerStats          `json:"poller"`
}
