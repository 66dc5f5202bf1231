package syncengine

import (
	"context"
	"path/filepath"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tidehook/tidehook/internal/records"
	"github.com/tidehook/tidehook/internal/store"
	"github.com/tidehook/tidehook/pkg/types"
)

var _ = Describe("Engine", func() {
	var (
		ctx       context.Context
		recStore  *records.Store
		conflicts *store.ConflictStore
		client    *fakeClient
		engine    *Engine
	)

	const (
		repo   = "acme/wiki"
		path   = "notes/n1.md"
		branch = "main"
	)

	newRecord := func(data map[string]any, content string) *records.Record {
		return &records.Record{
			Namespace:  "notes",
			ID:         "n1",
			Type:       "note",
			Data:       data,
			Content:    content,
			Repository: repo,
			Path:       path,
			Branch:     branch,
		}
	}

	remoteDoc := func(data map[string]any, content string) []byte {
		doc, err := Serialize(newRecord(data, content))
		Expect(err).NotTo(HaveOccurred())
		return doc
	}

	getRecord := func() *records.Record {
		r, err := recStore.Get(ctx, "notes", "n1")
		Expect(err).NotTo(HaveOccurred())
		return r
	}

	// seedSynced establishes the steady state: record and remote file in
	// agreement, lastSyncedHash recorded.
	seedSynced := func(data map[string]any, content string) string {
		r := newRecord(data, content)
		Expect(recStore.Upsert(ctx, r)).To(Succeed())
		doc, err := Serialize(r)
		Expect(err).NotTo(HaveOccurred())
		hash := client.seed(repo, path, doc)
		Expect(recStore.MarkSynced(ctx, "notes", "n1", hash)).To(Succeed())
		return hash
	}

	BeforeEach(func() {
		ctx = context.Background()

		db, err := store.Open(filepath.Join(GinkgoT().TempDir(), "sync.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = db.Close() })

		recStore = records.NewStore(db)
		Expect(recStore.Migrate(ctx)).To(Succeed())
		conflicts, err = store.NewConflictStore(db)
		Expect(err).NotTo(HaveOccurred())

		client = newFakeClient()
		engine = New(recStore, conflicts, client, logr.Discard())
	})

	Describe("Push", func() {
		It("creates the remote file on first push and records the hash", func() {
			Expect(recStore.Upsert(ctx, newRecord(map[string]any{"title": "Hello"}, "body\n"))).To(Succeed())

			Expect(engine.Push(ctx, "notes", "n1")).To(Succeed())

			r := getRecord()
			Expect(r.SyncStatus).To(Equal(types.SyncStatusSynced))
			remote, err := client.GetContent(ctx, repo, path, branch)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.LastSyncedHash).To(Equal(remote.Hash))
			Expect(string(remote.Content)).To(ContainSubstring("title: Hello"))
		})

		It("refuses records without a sync location", func() {
			r := newRecord(map[string]any{"title": "Hello"}, "")
			r.Repository, r.Path, r.Branch = "", "", ""
			Expect(recStore.Upsert(ctx, r)).To(Succeed())

			Expect(engine.Push(ctx, "notes", "n1")).To(MatchError(ErrNotSyncable))
		})

		It("turns a rejected write into a pending conflict instead of overwriting", func() {
			h0 := seedSynced(map[string]any{"title": "Base"}, "body\n")

			// Local edit, then a remote edit the local side has not seen.
			Expect(recStore.Upsert(ctx, newRecord(map[string]any{"title": "Local"}, "body\n"))).To(Succeed())
			h2 := client.seed(repo, path, remoteDoc(map[string]any{"title": "Remote"}, "body\n"))

			Expect(engine.Push(ctx, "notes", "n1")).To(MatchError(ErrConflict))

			r := getRecord()
			Expect(r.SyncStatus).To(Equal(types.SyncStatusConflict))

			pending, err := conflicts.PendingForRecord(ctx, "notes", "n1")
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(1))
			Expect(pending[0].ExpectedHash).To(Equal(h0))
			Expect(pending[0].ObservedHash).To(Equal(h2))
			Expect(pending[0].LocalContent).To(ContainSubstring("title: Local"))
			Expect(pending[0].RemoteContent).To(ContainSubstring("title: Remote"))

			// The remote file is untouched.
			remote, _ := client.GetContent(ctx, repo, path, branch)
			Expect(remote.Hash).To(Equal(h2))
		})
	})

	Describe("ApplyPush", func() {
		It("ignores files without an owning record", func() {
			Expect(engine.ApplyPush(ctx, repo, branch, []string{"unrelated.md"})).To(Succeed())
		})

		It("fast-forwards an untouched record to the remote content", func() {
			seedSynced(map[string]any{"title": "Base"}, "body\n")
			newDoc := remoteDoc(map[string]any{"title": "Remote"}, "remote body\n")
			h1 := client.seed(repo, path, newDoc)

			Expect(engine.ApplyPush(ctx, repo, branch, []string{path})).To(Succeed())

			r := getRecord()
			Expect(r.SyncStatus).To(Equal(types.SyncStatusSynced))
			Expect(r.LastSyncedHash).To(Equal(h1))
			Expect(r.Data["title"]).To(Equal("Remote"))
			Expect(r.Content).To(Equal("remote body\n"))

			pending, _ := conflicts.List(ctx, types.ConflictStatusPending, 0)
			Expect(pending).To(BeEmpty())
		})

		It("does nothing when the remote hash matches the last sync", func() {
			seedSynced(map[string]any{"title": "Base"}, "body\n")
			before := getRecord()

			Expect(engine.ApplyPush(ctx, repo, branch, []string{path})).To(Succeed())

			Expect(getRecord()).To(Equal(before))
		})

		It("records a conflict when local and remote both changed", func() {
			h0 := seedSynced(map[string]any{"title": "Base"}, "body\n")
			Expect(recStore.Upsert(ctx, newRecord(map[string]any{"title": "Local"}, "body\n"))).To(Succeed())
			h2 := client.seed(repo, path, remoteDoc(map[string]any{"title": "Remote"}, "body\n"))

			Expect(engine.ApplyPush(ctx, repo, branch, []string{path})).To(Succeed())

			r := getRecord()
			Expect(r.SyncStatus).To(Equal(types.SyncStatusConflict))
			Expect(r.Data["title"]).To(Equal("Local"), "conflict must not clobber the local side")

			pending, err := conflicts.PendingForRecord(ctx, "notes", "n1")
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(1))
			Expect(pending[0].ExpectedHash).To(Equal(h0))
			Expect(pending[0].ObservedHash).To(Equal(h2))
			Expect(pending[0].Status).To(Equal(types.ConflictStatusPending))
		})

		It("marks converged content synced without a conflict", func() {
			seedSynced(map[string]any{"title": "Base"}, "body\n")
			// Local edit and an identical remote edit.
			edited := newRecord(map[string]any{"title": "Same"}, "body\n")
			Expect(recStore.Upsert(ctx, edited)).To(Succeed())
			h := client.seed(repo, path, remoteDoc(map[string]any{"title": "Same"}, "body\n"))

			Expect(engine.ApplyPush(ctx, repo, branch, []string{path})).To(Succeed())

			r := getRecord()
			Expect(r.SyncStatus).To(Equal(types.SyncStatusSynced))
			Expect(r.LastSyncedHash).To(Equal(h))
			pending, _ := conflicts.List(ctx, types.ConflictStatusPending, 0)
			Expect(pending).To(BeEmpty())
		})

		It("keeps the record when the remote file was deleted", func() {
			seedSynced(map[string]any{"title": "Base"}, "body\n")
			client.mu.Lock()
			delete(client.files, client.key(repo, path))
			client.mu.Unlock()

			Expect(engine.ApplyPush(ctx, repo, branch, []string{path})).To(Succeed())
			Expect(getRecord().Data["title"]).To(Equal("Base"))
		})
	})

	Describe("Resolve", func() {
		// divergedConflict produces the S5 state and returns the conflict id.
		divergedConflict := func(localData, remoteData map[string]any) string {
			seedSynced(map[string]any{"title": "Base"}, "body\n")
			Expect(recStore.Upsert(ctx, newRecord(localData, "local body\n"))).To(Succeed())
			client.seed(repo, path, remoteDoc(remoteData, "remote body\n"))
			Expect(engine.ApplyPush(ctx, repo, branch, []string{path})).To(Succeed())

			pending, err := conflicts.PendingForRecord(ctx, "notes", "n1")
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(1))
			return pending[0].ID
		}

		It("ours force-pushes the local serialization", func() {
			id := divergedConflict(
				map[string]any{"title": "Local"},
				map[string]any{"title": "Remote"})

			Expect(engine.Resolve(ctx, id, types.StrategyOurs)).To(Succeed())

			remote, err := client.GetContent(ctx, repo, path, branch)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(remote.Content)).To(ContainSubstring("title: Local"))

			r := getRecord()
			Expect(r.SyncStatus).To(Equal(types.SyncStatusSynced))
			Expect(r.LastSyncedHash).To(Equal(remote.Hash))

			c, err := conflicts.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Status).To(Equal(types.ConflictStatusResolved))
			Expect(c.Strategy).To(Equal(types.StrategyOurs))
			Expect(c.ResolvedAt).NotTo(BeNil())
		})

		It("ours uses the hash observed at resolution time, not detection time", func() {
			id := divergedConflict(
				map[string]any{"title": "Local"},
				map[string]any{"title": "Remote"})

			// The remote moves again between detection and resolution.
			client.seed(repo, path, remoteDoc(map[string]any{"title": "Remote v2"}, "remote body\n"))

			Expect(engine.Resolve(ctx, id, types.StrategyOurs)).To(Succeed())

			remote, _ := client.GetContent(ctx, repo, path, branch)
			Expect(string(remote.Content)).To(ContainSubstring("title: Local"))
			Expect(getRecord().LastSyncedHash).To(Equal(remote.Hash))
		})

		It("theirs overwrites the local record from the remote file", func() {
			id := divergedConflict(
				map[string]any{"title": "Local"},
				map[string]any{"title": "Remote"})

			Expect(engine.Resolve(ctx, id, types.StrategyTheirs)).To(Succeed())

			remote, _ := client.GetContent(ctx, repo, path, branch)
			r := getRecord()
			Expect(r.Data["title"]).To(Equal("Remote"))
			Expect(r.Content).To(Equal("remote body\n"))
			Expect(r.SyncStatus).To(Equal(types.SyncStatusSynced))
			Expect(r.LastSyncedHash).To(Equal(remote.Hash))
		})

		It("merge folds both frontmatters with local precedence and keeps the local body", func() {
			id := divergedConflict(
				map[string]any{"title": "Local", "notes": "keep"},
				map[string]any{"title": "Remote", "extra": "added"})

			Expect(engine.Resolve(ctx, id, types.StrategyMerge)).To(Succeed())

			remote, _ := client.GetContent(ctx, repo, path, branch)
			doc, err := ParseDocument(remote.Content)
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.Data).To(Equal(map[string]any{
				"title": "Local",
				"notes": "keep",
				"extra": "added",
			}))
			Expect(doc.Body).To(Equal("local body\n"))

			r := getRecord()
			Expect(r.SyncStatus).To(Equal(types.SyncStatusSynced))
			Expect(r.LastSyncedHash).To(Equal(remote.Hash))
			Expect(r.Data).To(Equal(doc.Data))

			c, _ := conflicts.Get(ctx, id)
			Expect(c.Status).To(Equal(types.ConflictStatusResolved))
			Expect(c.Strategy).To(Equal(types.StrategyMerge))
		})

		It("manual is reserved", func() {
			id := divergedConflict(
				map[string]any{"title": "Local"},
				map[string]any{"title": "Remote"})

			Expect(engine.Resolve(ctx, id, types.StrategyManual)).To(MatchError(ErrNotImplemented))
		})

		It("records a failed resolution and keeps the conflict actionable", func() {
			id := divergedConflict(
				map[string]any{"title": "Local"},
				map[string]any{"title": "Remote"})

			// Remote file disappears before resolution.
			client.mu.Lock()
			delete(client.files, client.key(repo, path))
			client.mu.Unlock()

			Expect(engine.Resolve(ctx, id, types.StrategyTheirs)).NotTo(Succeed())

			c, err := conflicts.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Status).To(Equal(types.ConflictStatusFailed))
			Expect(c.Error).NotTo(BeEmpty())

			// A later attempt can still succeed.
			client.seed(repo, path, remoteDoc(map[string]any{"title": "Remote"}, "remote body\n"))
			Expect(engine.Resolve(ctx, id, types.StrategyTheirs)).To(Succeed())
			c, _ = conflicts.Get(ctx, id)
			Expect(c.Status).To(Equal(types.ConflictStatusResolved))
		})
	})
})
