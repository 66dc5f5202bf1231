package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/tidehook/tidehook/internal/githubapi"
	"github.com/tidehook/tidehook/internal/records"
	"github.com/tidehook/tidehook/internal/store"
	"github.com/tidehook/tidehook/pkg/types"
)

var (
	// ErrConflict is returned when a push was rejected by the hash-parent
	// precondition. A Conflict row has been created; this is a routing
	// signal, not a failure.
	ErrConflict = errors.New("sync conflict")

	// ErrNotImplemented is returned for the reserved manual strategy.
	ErrNotImplemented = errors.New("not implemented")

	// ErrNotSyncable is returned when a record has no repository binding.
	ErrNotSyncable = errors.New("record has no sync location")
)

// Engine owns both sync directions and conflict resolution.
type Engine struct {
	records   *records.Store
	conflicts *store.ConflictStore
	client    githubapi.ContentClient
	log       logr.Logger
}

func New(recordStore *records.Store, conflicts *store.ConflictStore, client githubapi.ContentClient, log logr.Logger) *Engine {
	return &Engine{records: recordStore, conflicts: conflicts, client: client, log: log}
}

// Push serializes a record and commits it to its external file, using
// the last observed hash as the write precondition. A rejected write
// creates a Conflict and returns ErrConflict; the file is never
// overwritten blind.
func (e *Engine) Push(ctx context.Context, namespace, id string) error {
	r, err := e.records.Get(ctx, namespace, id)
	if err != nil {
		return err
	}
	if !r.Synced() {
		return fmt.Errorf("record %s/%s: %w", namespace, id, ErrNotSyncable)
	}

	doc, err := Serialize(r)
	if err != nil {
		return fmt.Errorf("serializing %s/%s: %w", namespace, id, err)
	}

	message := fmt.Sprintf("sync: update %s/%s", namespace, id)
	newHash, err := e.client.PutContent(ctx, r.Repository, r.Path, r.Branch, doc, message, r.LastSyncedHash)
	if errors.Is(err, githubapi.ErrHashMismatch) {
		return e.conflictFromRejectedPush(ctx, r, doc)
	}
	if err != nil {
		return fmt.Errorf("pushing %s/%s: %w", namespace, id, err)
	}

	if err := e.records.MarkSynced(ctx, namespace, id, newHash); err != nil {
		return err
	}
	pushesTotal.WithLabelValues("ok").Inc()
	e.log.Info("record pushed", "record", namespace+"/"+id, "hash", newHash)
	return nil
}

func (e *Engine) conflictFromRejectedPush(ctx context.Context, r *records.Record, localDoc []byte) error {
	remote, err := e.client.GetContent(ctx, r.Repository, r.Path, r.Branch)
	if err != nil {
		return fmt.Errorf("fetching remote side of conflict: %w", err)
	}
	c := &store.Conflict{
		Namespace:     r.Namespace,
		RecordID:      r.ID,
		Repository:    r.Repository,
		Path:          r.Path,
		Branch:        r.Branch,
		ExpectedHash:  r.LastSyncedHash,
		ObservedHash:  remote.Hash,
		LocalContent:  string(localDoc),
		RemoteContent: string(remote.Content),
	}
	if err := e.conflicts.Create(ctx, c); err != nil {
		return err
	}
	if err := e.records.MarkConflict(ctx, r.Namespace, r.ID); err != nil {
		return err
	}
	pushesTotal.WithLabelValues("conflict").Inc()
	conflictsDetected.Inc()
	e.log.Info("push rejected, conflict recorded",
		"record", r.Namespace+"/"+r.ID, "conflict", c.ID,
		"expected", c.ExpectedHash, "observed", c.ObservedHash)
	return fmt.Errorf("record %s/%s: %w", r.Namespace, r.ID, ErrConflict)
}

// ApplyPush is the sync-in entry point, called for the files changed by
// an external push. Files without an owning record are ignored. A
// record the local side has not touched fast-forwards to the remote
// content; a locally modified record diverges into a Conflict.
func (e *Engine) ApplyPush(ctx context.Context, repository, branch string, paths []string) error {
	var errs []error
	for _, path := range paths {
		if err := e.applyFile(ctx, repository, branch, path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) applyFile(ctx context.Context, repository, branch, path string) error {
	r, err := e.records.GetByPath(ctx, repository, path)
	if errors.Is(err, records.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	remote, err := e.client.GetContent(ctx, repository, path, branch)
	if errors.Is(err, githubapi.ErrNotFound) {
		// Deleted upstream. Leave the record alone; deletion is an
		// explicit local command only.
		e.log.Info("external file removed, record kept", "record", r.Namespace+"/"+r.ID, "path", path)
		return nil
	}
	if err != nil {
		return err
	}

	if remote.Hash == r.LastSyncedHash {
		return nil
	}

	localDoc, err := Serialize(r)
	if err != nil {
		return fmt.Errorf("serializing %s/%s: %w", r.Namespace, r.ID, err)
	}

	// Both sides independently arrived at identical bytes.
	if githubapi.BlobHash(localDoc) == remote.Hash {
		return e.records.MarkSynced(ctx, r.Namespace, r.ID, remote.Hash)
	}

	if r.SyncStatus == types.SyncStatusSynced {
		return e.fastForward(ctx, r, remote)
	}
	return e.diverge(ctx, r, localDoc, remote)
}

func (e *Engine) fastForward(ctx context.Context, r *records.Record, remote *githubapi.File) error {
	doc, err := ParseDocument(remote.Content)
	if err != nil {
		return fmt.Errorf("parsing remote %s/%s: %w", r.Repository, r.Path, err)
	}
	recordType := doc.Type
	if recordType == "" {
		recordType = r.Type
	}
	if err := e.records.UpdateFromRemote(ctx, r.Namespace, r.ID, recordType, doc.Data, doc.Body, remote.Hash); err != nil {
		return err
	}
	syncInsTotal.WithLabelValues("fast_forward").Inc()
	e.log.Info("record fast-forwarded from remote",
		"record", r.Namespace+"/"+r.ID, "hash", remote.Hash)
	return nil
}

func (e *Engine) diverge(ctx context.Context, r *records.Record, localDoc []byte, remote *githubapi.File) error {
	c := &store.Conflict{
		Namespace:     r.Namespace,
		RecordID:      r.ID,
		Repository:    r.Repository,
		Path:          r.Path,
		Branch:        r.Branch,
		ExpectedHash:  r.LastSyncedHash,
		ObservedHash:  remote.Hash,
		LocalContent:  string(localDoc),
		RemoteContent: string(remote.Content),
	}
	if err := e.conflicts.Create(ctx, c); err != nil {
		return err
	}
	if err := e.records.MarkConflict(ctx, r.Namespace, r.ID); err != nil {
		return err
	}
	syncInsTotal.WithLabelValues("conflict").Inc()
	conflictsDetected.Inc()
	e.log.Info("divergence detected",
		"record", r.Namespace+"/"+r.ID, "conflict", c.ID,
		"expected", c.ExpectedHash, "observed", c.ObservedHash)
	return nil
}
