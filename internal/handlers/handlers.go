package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/tidwall/sjson"

	"github.com/tidehook/tidehook/internal/dispatch"
	"github.com/tidehook/tidehook/internal/syncengine"
	"github.com/tidehook/tidehook/pkg/types"
)

// SyncApplier is the sync-in surface the source-control handler drives.
type SyncApplier interface {
	ApplyPush(ctx context.Context, repository, branch string, paths []string) error
}

// Set is the built-in handler collection.
type Set struct {
	sync SyncApplier
	log  logr.Logger
}

func NewSet(sync SyncApplier, log logr.Logger) *Set {
	return &Set{sync: sync, log: log}
}

// Register binds the built-in handlers to their event patterns.
func (s *Set) Register(reg *dispatch.Registry) error {
	bindings := []struct {
		provider types.Provider
		pattern  string
		handler  dispatch.Handler
	}{
		{types.ProviderPayments, "**", s.HandlePayment},
		{types.ProviderIdentity, "**", s.HandleIdentity},
		{types.ProviderEmail, "**", s.HandleEmail},
		{types.ProviderSourceControl, "push", s.HandlePush},
	}
	for _, b := range bindings {
		if err := reg.Register(b.provider, b.pattern, b.handler); err != nil {
			return err
		}
	}
	return nil
}

// HandlePush feeds the changed files of an external push into the
// sync-in engine. A detected conflict is a normal outcome here, not a
// handler failure; only transport-level errors propagate into retry.
func (s *Set) HandlePush(ctx context.Context, evt *dispatch.Event) error {
	push := ParsePushEvent(evt.Payload)
	if push.Repository == "" || push.Branch == "" {
		s.log.Info("push event without repository or branch, skipping", "event", evt.EventID)
		return nil
	}
	if len(push.ChangedPaths) == 0 {
		return nil
	}

	err := s.sync.ApplyPush(ctx, push.Repository, push.Branch, push.ChangedPaths)
	if err != nil && !errors.Is(err, syncengine.ErrConflict) {
		return fmt.Errorf("applying push to %s@%s: %w", push.Repository, push.Branch, err)
	}
	s.log.Info("push applied",
		"repository", push.Repository, "branch", push.Branch, "files", len(push.ChangedPaths))
	return nil
}

// HandlePayment records a normalized audit line for payment activity.
func (s *Set) HandlePayment(_ context.Context, evt *dispatch.Event) error {
	p := ParsePaymentEvent(evt.Payload)
	if p.ID == "" {
		return fmt.Errorf("payment event %s has no id", evt.EventID)
	}
	s.log.Info("payment event", "audit", auditLine(map[string]any{
		"event":    p.ID,
		"type":     p.Type,
		"object":   p.ObjectID,
		"amount":   p.Amount,
		"currency": p.Currency,
		"status":   p.Status,
	}))
	return nil
}

// HandleIdentity records identity lifecycle activity.
func (s *Set) HandleIdentity(_ context.Context, evt *dispatch.Event) error {
	ie := ParseIdentityEvent(evt.Payload)
	if ie.ID == "" {
		return fmt.Errorf("identity event %s has no id", evt.EventID)
	}
	s.log.Info("identity event", "audit", auditLine(map[string]any{
		"event": ie.ID,
		"type":  ie.Event,
		"user":  ie.UserID,
	}))
	return nil
}

// HandleEmail records delivery status activity.
func (s *Set) HandleEmail(_ context.Context, evt *dispatch.Event) error {
	ee := ParseEmailEvent(evt.Payload)
	s.log.Info("email event", "audit", auditLine(map[string]any{
		"event":   ee.ID,
		"type":    ee.Type,
		"subject": ee.Subject,
	}))
	return nil
}

// auditLine builds a compact JSON document, dropping empty fields.
func auditLine(fields map[string]any) string {
	out := "{}"
	for k, v := range fields {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		out, _ = sjson.Set(out, k, v)
	}
	return out
}
