package domain

// DBStatus is the collapsed status persisted in the sync_jobs table.
//
// The mapping is deliberately lossy: SPLIT_OK, EMBED_OK and RETRYING all
// persist as "processing", and "processing" always reads back as RETRYING.
// A job that crashes mid-stage therefore restarts as RETRYING, which re-runs
// the pipeline from the last durable point. ToDBStatus(FromDBStatus(x)) is
// the identity for every persisted value.
type DBStatus string

const (
	DBStatusPending    DBStatus = "pending"
	DBStatusProcessing DBStatus = "processing"
	DBStatusSynced     DBStatus = "synced"
	DBStatusFailed     DBStatus = "failed"
	DBStatusDead       DBStatus = "dead"
)

// ToDBStatus maps a domain status onto its persisted form.
func ToDBStatus(s SyncStatus) DBStatus {
	switch s {
	case StatusNew:
		return DBStatusPending
	case StatusSplitOK, StatusEmbedOK, StatusRetrying:
		return DBStatusProcessing
	case StatusSynced:
		return DBStatusSynced
	case StatusFailed:
		return DBStatusFailed
	case StatusDead:
		return DBStatusDead
	default:
		return DBStatusPending
	}
}

// FromDBStatus maps a persisted status back into the domain.
func FromDBStatus(s DBStatus) SyncStatus {
	switch s {
	case DBStatusPending:
		return StatusNew
	case DBStatusProcessing:
		return StatusRetrying
	case DBStatusSynced:
		return StatusSynced
	case DBStatusFailed:
		return StatusFailed
	case DBStatusDead:
		return StatusDead
	default:
		return StatusNew
	}
}
