package pipeline

import "sync/atomic"

// Counters are the pipeline's operational tallies, updated lock-free by the
// capture consumer and the enrichment workers.
type Counters struct {
	accepted           atomic.Uint64
	dropped            atomic.Uint64
	enrichmentPartials atomic.Uint64
	voteRejections     atomic.Uint64
}

// Snapshot is a point-in-time copy published on the dashboard feed.
type Snapshot struct {
	RecordsAccepted     uint64 `json:"records_accepted"`
	RecordsDropped      uint64 `json:"records_dropped"`
	EnrichmentPartials  uint64 `json:"enrichment_partials"`
	VoteRejections      uint64 `json:"vote_rejections"`
	StorageDegradations uint64 `json:"storage_degradations"`
	ExporterErrors      uint64 `json:"exporter_errors"`
}

// snapshot copies the pipeline-owned tallies; the storage and exporter
// figures come from those components at publish time.
func (c *Counters) snapshot(storageDegradations, exporterErrors uint64) Snapshot {
	return Snapshot{
		RecordsAccepted:     c.accepted.Load(),
		RecordsDropped:      c.dropped.Load(),
		EnrichmentPartials:  c.enrichmentPartials.Load(),
		VoteRejections:      c.voteRejections.Load(),
		StorageDegradations: storageDegradations,
		ExporterErrors:      exporterErrors,
	}
}
