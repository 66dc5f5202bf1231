package types

// Sync status values for a record's relationship with its external file.

const (
	// SyncStatusUnsynced indicates the record has never been pushed to a repository.
	SyncStatusUnsynced = "unsynced"

	// SyncStatusSynced indicates the record and its external file agree.
	SyncStatusSynced = "synced"

	// SyncStatusDirty indicates the record changed locally since the last push.
	SyncStatusDirty = "dirty"

	// SyncStatusConflict indicates local and external content diverged;
	// a pending conflict row references the record.
	SyncStatusConflict = "conflict"
)

// Conflict status values.

const (
	// ConflictStatusPending indicates the divergence awaits resolution.
	ConflictStatusPending = "pending"

	// ConflictStatusResolved indicates a resolution strategy succeeded.
	ConflictStatusResolved = "resolved"

	// ConflictStatusFailed indicates the last resolution attempt failed.
	// The conflict remains actionable.
	ConflictStatusFailed = "failed"
)

// Resolution strategies accepted by the conflict engine.

const (
	// StrategyOurs force-pushes the local serialization over the remote file.
	StrategyOurs = "ours"

	// StrategyTheirs overwrites the local record from the remote file.
	StrategyTheirs = "theirs"

	// StrategyMerge merges frontmatter per-key (local wins) and keeps the local body.
	StrategyMerge = "merge"

	// StrategyManual is reserved for out-of-band resolution.
	StrategyManual = "manual"
)
