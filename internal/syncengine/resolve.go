package syncengine

import (
	"context"
	"fmt"

	"github.com/tidehook/tidehook/internal/records"
	"github.com/tidehook/tidehook/pkg/types"
)

// Resolve applies a strategy to a pending conflict. Failures are
// recorded on the Conflict row and returned; the conflict stays
// actionable for another attempt.
func (e *Engine) Resolve(ctx context.Context, conflictID, strategy string) error {
	c, err := e.conflicts.Get(ctx, conflictID)
	if err != nil {
		return err
	}
	r, err := e.records.Get(ctx, c.Namespace, c.RecordID)
	if err != nil {
		return err
	}

	switch strategy {
	case types.StrategyOurs:
		err = e.resolveOurs(ctx, r)
	case types.StrategyTheirs:
		err = e.resolveTheirs(ctx, r)
	case types.StrategyMerge:
		err = e.resolveMerge(ctx, r)
	case types.StrategyManual:
		return fmt.Errorf("strategy %q: %w", strategy, ErrNotImplemented)
	default:
		return fmt.Errorf("unknown strategy %q", strategy)
	}

	if err != nil {
		if markErr := e.conflicts.MarkFailed(ctx, conflictID, strategy, err.Error()); markErr != nil {
			e.log.Error(markErr, "recording resolution failure", "conflict", conflictID)
		}
		resolutionsTotal.WithLabelValues(strategy, "failed").Inc()
		return fmt.Errorf("resolving conflict %s with %s: %w", conflictID, strategy, err)
	}

	if err := e.conflicts.MarkResolved(ctx, conflictID, strategy); err != nil {
		return err
	}
	resolutionsTotal.WithLabelValues(strategy, "resolved").Inc()
	e.log.Info("conflict resolved", "conflict", conflictID, "strategy", strategy)
	return nil
}

// resolveOurs force-pushes the local serialization. The parent hash is
// re-fetched at resolution time: the external file may have moved again
// since the conflict was detected, and the stored observation would
// then be stale.
func (e *Engine) resolveOurs(ctx context.Context, r *records.Record) error {
	remote, err := e.client.GetContent(ctx, r.Repository, r.Path, r.Branch)
	if err != nil {
		return err
	}
	doc, err := Serialize(r)
	if err != nil {
		return err
	}
	message := fmt.Sprintf("sync: resolve %s/%s (ours)", r.Namespace, r.ID)
	newHash, err := e.client.PutContent(ctx, r.Repository, r.Path, r.Branch, doc, message, remote.Hash)
	if err != nil {
		return err
	}
	return e.records.MarkSynced(ctx, r.Namespace, r.ID, newHash)
}

// resolveTheirs overwrites the local record from the current remote file.
func (e *Engine) resolveTheirs(ctx context.Context, r *records.Record) error {
	remote, err := e.client.GetContent(ctx, r.Repository, r.Path, r.Branch)
	if err != nil {
		return err
	}
	doc, err := ParseDocument(remote.Content)
	if err != nil {
		return fmt.Errorf("parsing remote %s/%s: %w", r.Repository, r.Path, err)
	}
	recordType := doc.Type
	if recordType == "" {
		recordType = r.Type
	}
	return e.records.UpdateFromRemote(ctx, r.Namespace, r.ID, recordType, doc.Data, doc.Body, remote.Hash)
}

// resolveMerge folds both frontmatters, local winning per key, keeps the
// local body, and force-pushes the result over the current remote hash.
func (e *Engine) resolveMerge(ctx context.Context, r *records.Record) error {
	remote, err := e.client.GetContent(ctx, r.Repository, r.Path, r.Branch)
	if err != nil {
		return err
	}
	remoteDoc, err := ParseDocument(remote.Content)
	if err != nil {
		return fmt.Errorf("parsing remote %s/%s: %w", r.Repository, r.Path, err)
	}

	merged := make(map[string]any, len(remoteDoc.Data)+len(r.Data))
	for k, v := range remoteDoc.Data {
		merged[k] = v
	}
	for k, v := range r.Data {
		merged[k] = v
	}

	mergedRecord := *r
	mergedRecord.Data = merged
	doc, err := Serialize(&mergedRecord)
	if err != nil {
		return err
	}

	message := fmt.Sprintf("sync: resolve %s/%s (merge)", r.Namespace, r.ID)
	newHash, err := e.client.PutContent(ctx, r.Repository, r.Path, r.Branch, doc, message, remote.Hash)
	if err != nil {
		return err
	}

	return e.records.UpdateFromRemote(ctx, r.Namespace, r.ID, r.Type, merged, r.Content, newHash)
}
