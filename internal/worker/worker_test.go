package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sitelinehq/siteline/internal/approval"
	"github.com/sitelinehq/siteline/internal/store"
	"github.com/sitelinehq/siteline/internal/tracker"
	"github.com/sitelinehq/siteline/internal/types"
)

// --- Mock Implementations ---

type mockReplayStore struct {
	mu       sync.Mutex
	nextSeq  int64
	entries  []*types.OutboundEntry
	projects map[string]*types.Project
}

func newMockReplayStore() *mockReplayStore {
	return &mockReplayStore{projects: make(map[string]*types.Project)}
}

func (m *mockReplayStore) enqueue(projectID, operation string, payload any, idemKey string) *types.OutboundEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, _ := json.Marshal(payload)
	m.nextSeq++
	e := &types.OutboundEntry{
		Seq:            m.nextSeq,
		ProjectID:      projectID,
		Operation:      operation,
		Payload:        raw,
		IdempotencyKey: idemKey,
		NextAttemptAt:  time.Now().UTC().Add(-time.Second),
	}
	m.entries = append(m.entries, e)
	return e
}

func (m *mockReplayStore) ListOutboundDue(ctx context.Context, now time.Time, limit int) ([]*types.OutboundEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*types.OutboundEntry
	for _, e := range m.entries {
		if !e.NextAttemptAt.After(now) {
			cp := *e
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ProjectID != due[j].ProjectID {
			return due[i].ProjectID < due[j].ProjectID
		}
		return due[i].Seq < due[j].Seq
	})
	if limit < len(due) {
		due = due[:limit]
	}
	return due, nil
}

func (m *mockReplayStore) DeleteOutbound(ctx context.Context, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.Seq == seq {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *mockReplayStore) BumpOutboundAttempt(ctx context.Context, seq int64, nextAttempt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Seq == seq {
			e.Attempts++
			e.NextAttemptAt = nextAttempt
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *mockReplayStore) CountOutbound(ctx context.Context, projectID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.ProjectID == projectID {
			n++
		}
	}
	return n, nil
}

func (m *mockReplayStore) GetProject(ctx context.Context, id string) (*types.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockReplayStore) SetSyncStatus(ctx context.Context, id string, status types.SyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return store.ErrNotFound
	}
	p.SyncStatus = status
	return nil
}

func (m *mockReplayStore) remaining(projectID string) int {
	n, _ := m.CountOutbound(context.Background(), projectID)
	return n
}

type mockReplayTracker struct {
	mu    sync.Mutex
	errs  map[string]error // per-operation error
	calls []string
}

func (m *mockReplayTracker) record(op, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[op]; err != nil {
		return err
	}
	m.calls = append(m.calls, fmt.Sprintf("%s:%s", op, detail))
	return nil
}

func (m *mockReplayTracker) UpsertProjectMirror(ctx context.Context, externalID string, mirror types.ProjectMirror, idemKey string) error {
	return m.record(tracker.OpUpsertProject, externalID)
}

func (m *mockReplayTracker) UpsertTaskMirror(ctx context.Context, externalID string, mirror types.TaskMirror, idemKey string) error {
	return m.record(tracker.OpUpsertTask, string(mirror.Stage))
}

func (m *mockReplayTracker) CreateActivityUpdate(ctx context.Context, externalID, message, idemKey string) error {
	return m.record(tracker.OpActivity, message)
}

func (m *mockReplayTracker) SubmitRemoteDecision(ctx context.Context, remoteID string, decision types.Decision, feedback, idemKey string) error {
	return m.record(approval.OpSubmitDecision, remoteID+"/"+string(decision))
}

func (m *mockReplayTracker) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func newTestReplayer(s *mockReplayStore, t *mockReplayTracker) *OutboundReplayer {
	return NewOutboundReplayer(s, t, time.Minute, 50, time.Second)
}

// --- Tests ---

func TestReplayerDrainsQueueInOrder(t *testing.T) {
	ms := newMockReplayStore()
	ms.projects["proj-1"] = &types.Project{ID: "proj-1", SyncStatus: types.SyncActive}
	ms.enqueue("proj-1", tracker.OpUpsertProject, tracker.ProjectMirrorPayload{
		ExternalID: "ext-1",
		Mirror:     types.ProjectMirror{ExternalID: "ext-1", CurrentStage: types.StageDevelopment},
	}, "key-1")
	ms.enqueue("proj-1", tracker.OpActivity, tracker.ActivityPayload{
		ExternalID: "ext-1", Message: "Entered Full-Stack Development",
	}, "key-2")

	mt := &mockReplayTracker{}
	w := newTestReplayer(ms, mt)
	w.replayDue(context.Background())

	if got := ms.remaining("proj-1"); got != 0 {
		t.Fatalf("remaining entries = %d, want 0", got)
	}
	calls := mt.recorded()
	if len(calls) != 2 {
		t.Fatalf("tracker calls = %v, want 2", calls)
	}
	if calls[0] != "upsert_project:ext-1" {
		t.Errorf("first call = %q, want the earlier queued write", calls[0])
	}
	if calls[1] != "activity:Entered Full-Stack Development" {
		t.Errorf("second call = %q", calls[1])
	}
}

func TestReplayerStopsProjectAfterFailure(t *testing.T) {
	ms := newMockReplayStore()
	ms.projects["a"] = &types.Project{ID: "a", SyncStatus: types.SyncError}
	ms.projects["b"] = &types.Project{ID: "b", SyncStatus: types.SyncError}
	first := ms.enqueue("a", tracker.OpUpsertProject, tracker.ProjectMirrorPayload{ExternalID: "ext-a"}, "key-1")
	ms.enqueue("a", tracker.OpActivity, tracker.ActivityPayload{ExternalID: "ext-a", Message: "later"}, "key-2")
	ms.enqueue("b", tracker.OpActivity, tracker.ActivityPayload{ExternalID: "ext-b", Message: "other project"}, "key-3")

	mt := &mockReplayTracker{errs: map[string]error{tracker.OpUpsertProject: tracker.ErrUnavailable}}
	w := newTestReplayer(ms, mt)
	w.replayDue(context.Background())

	// Project a is stalled behind its failed head entry, project b drains.
	if got := ms.remaining("a"); got != 2 {
		t.Errorf("project a entries = %d, want 2 (ordering preserved)", got)
	}
	if got := ms.remaining("b"); got != 0 {
		t.Errorf("project b entries = %d, want 0", got)
	}
	calls := mt.recorded()
	if len(calls) != 1 || calls[0] != "activity:other project" {
		t.Errorf("tracker calls = %v, want only project b's entry", calls)
	}

	ms.mu.Lock()
	attempts, next := ms.entries[0].Attempts, ms.entries[0].NextAttemptAt
	ms.mu.Unlock()
	if first.Seq != 1 || attempts != 1 {
		t.Errorf("failed entry attempts = %d, want 1", attempts)
	}
	if !next.After(time.Now()) {
		t.Errorf("failed entry not pushed into the future: %v", next)
	}

	// Project a never drained, so its sync error stands.
	p, _ := ms.GetProject(context.Background(), "a")
	if p.SyncStatus != types.SyncError {
		t.Errorf("project a sync = %s, want error", p.SyncStatus)
	}
}

func TestReplayerDropsPermanentFailures(t *testing.T) {
	ms := newMockReplayStore()
	ms.enqueue("proj-1", tracker.OpUpsertTask, tracker.TaskMirrorPayload{ExternalID: "ext-1"}, "key-1")

	mt := &mockReplayTracker{errs: map[string]error{tracker.OpUpsertTask: tracker.ErrPermanent}}
	w := newTestReplayer(ms, mt)
	w.replayDue(context.Background())

	if got := ms.remaining("proj-1"); got != 0 {
		t.Errorf("permanently rejected entry still queued, count = %d", got)
	}
}

func TestReplayerDropsUndecodableEntries(t *testing.T) {
	ms := newMockReplayStore()
	ms.enqueue("proj-1", "no_such_operation", map[string]string{"x": "y"}, "key-1")
	e := ms.enqueue("proj-1", tracker.OpUpsertProject, nil, "key-2")
	ms.mu.Lock()
	e.Payload = json.RawMessage(`{not json`)
	ms.entries[1] = e
	ms.mu.Unlock()

	mt := &mockReplayTracker{}
	w := newTestReplayer(ms, mt)
	w.replayDue(context.Background())

	if got := ms.remaining("proj-1"); got != 0 {
		t.Errorf("undecodable entries still queued, count = %d", got)
	}
	if calls := mt.recorded(); len(calls) != 0 {
		t.Errorf("tracker calls = %v, want none", calls)
	}
}

func TestReplayerRestoresSyncWhenDrained(t *testing.T) {
	ms := newMockReplayStore()
	ms.projects["proj-1"] = &types.Project{ID: "proj-1", SyncStatus: types.SyncError}
	ms.enqueue("proj-1", tracker.OpActivity, tracker.ActivityPayload{ExternalID: "ext-1", Message: "hello"}, "key-1")

	mt := &mockReplayTracker{}
	w := newTestReplayer(ms, mt)
	w.replayDue(context.Background())

	p, err := ms.GetProject(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if p.SyncStatus != types.SyncActive {
		t.Errorf("sync status = %s, want active after drain", p.SyncStatus)
	}
}

func TestReplayerSubmitsQueuedDecisions(t *testing.T) {
	ms := newMockReplayStore()
	ms.enqueue("proj-1", approval.OpSubmitDecision, approval.DecisionPayload{
		ApprovalID: "ap-1",
		RemoteID:   "remote-9",
		Decision:   types.DecisionApproved,
	}, "key-1")

	mt := &mockReplayTracker{}
	w := newTestReplayer(ms, mt)
	w.replayDue(context.Background())

	calls := mt.recorded()
	if len(calls) != 1 || calls[0] != "submit_decision:remote-9/approved" {
		t.Errorf("tracker calls = %v, want the queued decision", calls)
	}
	if got := ms.remaining("proj-1"); got != 0 {
		t.Errorf("decision entry still queued, count = %d", got)
	}
}

func TestReplayerBackoffCaps(t *testing.T) {
	w := NewOutboundReplayer(nil, nil, time.Minute, 50, time.Second)
	if got := w.nextBackoff(0); got != time.Second {
		t.Errorf("backoff(0) = %v, want 1s", got)
	}
	if got := w.nextBackoff(3); got != 8*time.Second {
		t.Errorf("backoff(3) = %v, want 8s", got)
	}
	if got := w.nextBackoff(40); got != 32*time.Second {
		t.Errorf("backoff(40) = %v, want the 32x cap", got)
	}
}

type mockSweepStore struct {
	mu       sync.Mutex
	purgeErr error
	cutoffs  []time.Time
	purged   int64
}

func (m *mockSweepStore) PurgeIngressEvents(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.purgeErr != nil {
		return 0, m.purgeErr
	}
	m.cutoffs = append(m.cutoffs, before)
	return m.purged, nil
}

func TestDedupSweeperUsesRetentionCutoff(t *testing.T) {
	ms := &mockSweepStore{purged: 3}
	w := NewDedupSweeper(ms, 24*time.Hour, time.Minute)

	before := time.Now().UTC().Add(-24 * time.Hour)
	w.sweep(context.Background())
	after := time.Now().UTC().Add(-24 * time.Hour)

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if len(ms.cutoffs) != 1 {
		t.Fatalf("purge calls = %d, want 1", len(ms.cutoffs))
	}
	cutoff := ms.cutoffs[0]
	if cutoff.Before(before) || cutoff.After(after) {
		t.Errorf("cutoff = %v, want roughly now minus retention", cutoff)
	}
}

func TestDedupSweeperSurvivesStoreErrors(t *testing.T) {
	ms := &mockSweepStore{purgeErr: errors.New("disk full")}
	w := NewDedupSweeper(ms, time.Hour, time.Minute)

	// Must not panic; the next cycle retries.
	w.sweep(context.Background())
}
