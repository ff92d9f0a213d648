package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"runbox/internal/common/mq"
	"runbox/internal/run/model"
	"runbox/internal/run/repository"
	"runbox/internal/run/sandbox"
	"runbox/internal/run/snapshot"
	appErr "runbox/pkg/errors"
)

// trace records the order in which collaborators were called.
type trace struct {
	mu    sync.Mutex
	steps []string
}

func (t *trace) add(step string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, step)
}

func (t *trace) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.steps, ",")
}

type fakeQueue struct {
	log     *trace
	mu      sync.Mutex
	next    []*mq.StreamMessage
	pending []*mq.StreamMessage
	acked   []string
	touched int
	groups  int
}

func (q *fakeQueue) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	return "", errors.New("not used")
}

func (q *fakeQueue) CreateGroup(ctx context.Context, topic, group string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.groups++
	return nil
}

func (q *fakeQueue) ReadNext(ctx context.Context, topic, group, consumer string, block time.Duration) (*mq.StreamMessage, error) {
	q.mu.Lock()
	if len(q.next) > 0 {
		msg := q.next[0]
		q.next = q.next[1:]
		q.mu.Unlock()
		return msg, nil
	}
	q.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (q *fakeQueue) ReadPending(ctx context.Context, topic, group, consumer string, count int64) ([]*mq.StreamMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out, nil
}

func (q *fakeQueue) Reclaim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, count int64) ([]*mq.StreamMessage, error) {
	return nil, nil
}

func (q *fakeQueue) Touch(ctx context.Context, topic, group, consumer string, ids ...string) error {
	q.mu.Lock()
	q.touched++
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) touches() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.touched
}

func (q *fakeQueue) Ack(ctx context.Context, topic, group, id string) error {
	q.mu.Lock()
	q.acked = append(q.acked, id)
	q.mu.Unlock()
	q.log.add("ack")
	return nil
}

func (q *fakeQueue) Ping(ctx context.Context) error { return nil }
func (q *fakeQueue) Close() error                   { return nil }

func (q *fakeQueue) ackedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}

type fakeStore struct {
	log   *trace
	blobs map[string][]byte
	err   error
}

func (s *fakeStore) Put(ctx context.Context, runID string, blob []byte) (string, error) {
	return "", errors.New("not used")
}

func (s *fakeStore) Get(ctx context.Context, ref string) ([]byte, error) {
	s.log.add("snapshot")
	if s.err != nil {
		return nil, s.err
	}
	blob, ok := s.blobs[ref]
	if !ok {
		return nil, appErr.Newf(appErr.SnapshotExpired, "snapshot %s expired or missing", ref)
	}
	return blob, nil
}

type fakeExecutor struct {
	log    *trace
	result model.Result
	err    error
	mu     sync.Mutex
	reqs   []sandbox.Request
	killed []string
}

func (e *fakeExecutor) Execute(ctx context.Context, req sandbox.Request) (model.Result, error) {
	e.log.add("execute")
	e.mu.Lock()
	e.reqs = append(e.reqs, req)
	e.mu.Unlock()
	return e.result, e.err
}

func (e *fakeExecutor) Kill(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killed = append(e.killed, runID)
	return true
}

type fakeRuns struct {
	log        *trace
	mu         sync.Mutex
	status     map[string]model.Status
	results    map[string]model.Result
	runningErr error
	doneErr    error
	// peer, when set, is stored as if another delivery finished first.
	peer *model.Result
}

func newFakeRuns(log *trace, ids ...string) *fakeRuns {
	r := &fakeRuns{log: log, status: make(map[string]model.Status), results: make(map[string]model.Result)}
	for _, id := range ids {
		r.status[id] = model.StatusQueued
	}
	return r
}

func (r *fakeRuns) Create(ctx context.Context, run *model.Run) error { return nil }

func (r *fakeRuns) Get(ctx context.Context, runID string) (*model.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.status[runID]
	if !ok {
		return nil, repository.ErrRunNotFound
	}
	res := r.results[runID]
	return &model.Run{ID: runID, Status: status, Stdout: res.Stdout, Stderr: res.Stderr, WallMs: res.WallMs}, nil
}

func (r *fakeRuns) MarkRunning(ctx context.Context, runID string) error {
	r.log.add("running-db")
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runningErr != nil {
		return r.runningErr
	}
	status, ok := r.status[runID]
	switch {
	case !ok:
		return repository.ErrRunNotFound
	case status.Terminal():
		return repository.ErrRunFinished
	}
	r.status[runID] = model.StatusRunning
	return nil
}

func (r *fakeRuns) MarkDone(ctx context.Context, runID string, result model.Result) error {
	r.log.add("done-db")
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doneErr != nil {
		return r.doneErr
	}
	if r.peer != nil {
		r.status[runID] = r.peer.Status
		r.results[runID] = *r.peer
	}
	if r.status[runID] != model.StatusRunning {
		return repository.ErrTransitionRejected
	}
	r.status[runID] = result.Status
	r.results[runID] = result
	return nil
}

func (r *fakeRuns) DeleteQueued(ctx context.Context, runID string) error { return nil }

type fakeEvents struct {
	log    *trace
	mu     sync.Mutex
	events []model.Event
}

func (p *fakeEvents) Publish(ctx context.Context, runID string, event model.Event) error {
	p.log.add("event:" + event.Status)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakeEvents) all() []model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Event(nil), p.events...)
}

type harness struct {
	log      *trace
	queue    *fakeQueue
	store    *fakeStore
	executor *fakeExecutor
	runs     *fakeRuns
	events   *fakeEvents
	worker   *Worker
}

func newHarness(t *testing.T, runIDs ...string) *harness {
	t.Helper()
	log := &trace{}
	h := &harness{
		log:      log,
		queue:    &fakeQueue{log: log},
		store:    &fakeStore{log: log, blobs: make(map[string][]byte)},
		executor: &fakeExecutor{log: log, result: model.Result{Status: model.StatusSucceeded, Stdout: "hi\n", WallMs: 7}},
		runs:     newFakeRuns(log, runIDs...),
		events:   &fakeEvents{log: log},
	}
	w, err := New(Deps{
		Queue:     h.queue,
		Snapshots: h.store,
		Executor:  h.executor,
		Runs:      h.runs,
		Events:    h.events,
	}, Config{Consumer: "test-1", MaxDeliveries: 3})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	h.worker = w
	return h
}

func (h *harness) addSnapshot(t *testing.T, runID string, files map[string]string) string {
	t.Helper()
	blob, err := snapshot.Build(files)
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	key := snapshot.DefaultKeyPrefix + runID
	h.store.blobs[key] = blob
	return key
}

func jobEntry(t *testing.T, id string, job model.JobMessage) *mq.StreamMessage {
	t.Helper()
	payload, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return &mq.StreamMessage{ID: id, Payload: payload, Deliveries: 1}
}

func pythonJob(runID, snapKey string) model.JobMessage {
	return model.JobMessage{
		RunID:      runID,
		ProjectID:  "p1",
		Language:   model.LanguagePython,
		Entrypoint: "main.py",
		SnapKey:    snapKey,
		TimeLimit:  5,
	}
}

func TestHandleOrdering(t *testing.T) {
	h := newHarness(t, "r1")
	key := h.addSnapshot(t, "r1", map[string]string{"main.py": "print('hi')"})

	if !h.worker.Handle(context.Background(), jobEntry(t, "1-0", pythonJob("r1", key))) {
		t.Fatalf("expected ack")
	}
	want := "event:running,running-db,snapshot,execute,done-db,event:succeeded,ack"
	if got := h.log.String(); got != want {
		t.Fatalf("unexpected order:\n got %s\nwant %s", got, want)
	}
	req := h.executor.reqs[0]
	if req.TimeLimit != 5*time.Second || req.Files["main.py"] != "print('hi')" || req.Entrypoint != "main.py" {
		t.Fatalf("unexpected request: %+v", req)
	}
	last := h.events.events[len(h.events.events)-1]
	if last.Stdout != "hi\n" || last.WallMs == nil || *last.WallMs != 7 {
		t.Fatalf("unexpected terminal event: %+v", last)
	}
	if h.runs.status["r1"] != model.StatusSucceeded {
		t.Fatalf("expected stored success, got %s", h.runs.status["r1"])
	}
}

func TestHandleExpiredSnapshot(t *testing.T) {
	h := newHarness(t, "r1")

	if !h.worker.Handle(context.Background(), jobEntry(t, "1-0", pythonJob("r1", "runs:snap:r1"))) {
		t.Fatalf("expected ack")
	}
	if len(h.executor.reqs) != 0 {
		t.Fatalf("executor must not run without a snapshot")
	}
	res := h.runs.results["r1"]
	if res.Status != model.StatusFailed || !strings.Contains(res.Stderr, "expired or missing") {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := h.log.String(); !strings.HasSuffix(got, "done-db,event:failed,ack") {
		t.Fatalf("unexpected order: %s", got)
	}
}

func TestHandleCorruptSnapshot(t *testing.T) {
	h := newHarness(t, "r1")
	h.store.blobs["runs:snap:r1"] = []byte("not a snapshot")

	h.worker.Handle(context.Background(), jobEntry(t, "1-0", pythonJob("r1", "runs:snap:r1")))
	res := h.runs.results["r1"]
	if res.Status != model.StatusFailed || !strings.Contains(res.Stderr, "corrupt snapshot") {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(h.queue.ackedIDs()) != 1 {
		t.Fatalf("expected ack")
	}
}

func TestHandleMalformedJob(t *testing.T) {
	h := newHarness(t)
	for i, payload := range []string{"{", `{"run_id":"r1"}`, ""} {
		msg := &mq.StreamMessage{ID: string(rune('a' + i)), Payload: []byte(payload), Deliveries: 1}
		if !h.worker.Handle(context.Background(), msg) {
			t.Fatalf("malformed payload %q must be acked", payload)
		}
	}
	if got := h.log.String(); got != "ack,ack,ack" {
		t.Fatalf("malformed jobs must only be acked, got %s", got)
	}
}

func TestHandlePersistFailureStillAcks(t *testing.T) {
	h := newHarness(t, "r1")
	key := h.addSnapshot(t, "r1", map[string]string{"main.py": "print('hi')"})
	h.runs.doneErr = errors.New("db down")

	if !h.worker.Handle(context.Background(), jobEntry(t, "1-0", pythonJob("r1", key))) {
		t.Fatalf("expected ack after reported persist failure")
	}
	if got := h.log.String(); !strings.HasSuffix(got, "done-db,event:succeeded,ack") {
		t.Fatalf("unexpected order: %s", got)
	}
}

func TestHandleLeavesJobPendingOnTransientErrors(t *testing.T) {
	t.Run("mark running", func(t *testing.T) {
		h := newHarness(t, "r1")
		h.runs.runningErr = errors.New("db down")
		if h.worker.Handle(context.Background(), jobEntry(t, "1-0", pythonJob("r1", "runs:snap:r1"))) {
			t.Fatalf("job must stay pending")
		}
	})
	t.Run("snapshot store", func(t *testing.T) {
		h := newHarness(t, "r1")
		h.store.err = errors.New("connection refused")
		if h.worker.Handle(context.Background(), jobEntry(t, "1-0", pythonJob("r1", "runs:snap:r1"))) {
			t.Fatalf("job must stay pending")
		}
		if len(h.runs.results) != 0 {
			t.Fatalf("no result should be stored")
		}
	})
	t.Run("shutdown during execution", func(t *testing.T) {
		h := newHarness(t, "r1")
		key := h.addSnapshot(t, "r1", map[string]string{"main.py": "x"})
		h.executor.err = context.Canceled
		if h.worker.Handle(context.Background(), jobEntry(t, "1-0", pythonJob("r1", key))) {
			t.Fatalf("job must stay pending")
		}
		if len(h.queue.ackedIDs()) != 0 {
			t.Fatalf("no ack expected")
		}
	})
}

func TestHandleRedeliveryOfFinishedRun(t *testing.T) {
	h := newHarness(t, "r1")
	h.runs.status["r1"] = model.StatusSucceeded
	h.runs.results["r1"] = model.Result{Status: model.StatusSucceeded, Stdout: "hi\n", WallMs: 3}

	if !h.worker.Handle(context.Background(), jobEntry(t, "1-0", pythonJob("r1", "runs:snap:r1"))) {
		t.Fatalf("expected ack")
	}
	if len(h.executor.reqs) != 0 {
		t.Fatalf("finished run must not execute again")
	}
	last := h.events.events[len(h.events.events)-1]
	if last.Status != string(model.StatusSucceeded) || last.Stdout != "hi\n" {
		t.Fatalf("expected stored terminal event, got %+v", last)
	}
}

func TestHandlePoisonJob(t *testing.T) {
	h := newHarness(t, "r1")
	msg := jobEntry(t, "1-0", pythonJob("r1", "runs:snap:r1"))
	msg.Deliveries = 4

	if !h.worker.Handle(context.Background(), msg) {
		t.Fatalf("expected ack")
	}
	if len(h.executor.reqs) != 0 {
		t.Fatalf("poison job must not execute")
	}
	res := h.runs.results["r1"]
	if res.Status != model.StatusFailed || !strings.Contains(res.Stderr, "4 delivery attempts") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunDrainsPendingThenReadsNew(t *testing.T) {
	h := newHarness(t, "r1", "r2")
	k1 := h.addSnapshot(t, "r1", map[string]string{"main.py": "a"})
	k2 := h.addSnapshot(t, "r2", map[string]string{"main.py": "b"})
	h.queue.pending = []*mq.StreamMessage{jobEntry(t, "1-0", pythonJob("r1", k1))}
	h.queue.next = []*mq.StreamMessage{jobEntry(t, "2-0", pythonJob("r2", k2))}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(h.queue.ackedIDs()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("jobs not processed, acked %v", h.queue.ackedIDs())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if acked := h.queue.ackedIDs(); acked[0] != "1-0" || acked[1] != "2-0" {
		t.Fatalf("pending entry must be handled first, got %v", acked)
	}
	if h.queue.groups != 1 {
		t.Fatalf("expected group creation")
	}
}

func TestDefaultConsumerName(t *testing.T) {
	name := DefaultConsumerName()
	if !strings.Contains(name, "-") {
		t.Fatalf("unexpected consumer name %q", name)
	}
}

func TestHandleLosingDeliveryAnnouncesStoredResult(t *testing.T) {
	h := newHarness(t, "r1")
	key := h.addSnapshot(t, "r1", map[string]string{"main.py": "print('hi')"})
	h.runs.peer = &model.Result{Status: model.StatusFailed, Stderr: "boom", WallMs: 9}

	if !h.worker.Handle(context.Background(), jobEntry(t, "1-0", pythonJob("r1", key))) {
		t.Fatalf("expected ack")
	}
	var terminal []model.Event
	for _, ev := range h.events.events {
		if ev.Status != string(model.StatusRunning) {
			terminal = append(terminal, ev)
		}
	}
	if len(terminal) != 1 {
		t.Fatalf("expected one terminal event, got %+v", terminal)
	}
	if terminal[0].Status != string(model.StatusFailed) || terminal[0].Stderr != "boom" {
		t.Fatalf("terminal event must match the stored run, got %+v", terminal[0])
	}
}

func TestHandleClampsTimeLimit(t *testing.T) {
	h := newHarness(t, "r1", "r2")
	k1 := h.addSnapshot(t, "r1", map[string]string{"main.py": "a"})
	k2 := h.addSnapshot(t, "r2", map[string]string{"main.py": "b"})
	long := pythonJob("r1", k1)
	long.TimeLimit = 3600
	short := pythonJob("r2", k2)
	short.TimeLimit = 2

	h.worker.Handle(context.Background(), jobEntry(t, "1-0", long))
	h.worker.Handle(context.Background(), jobEntry(t, "2-0", short))
	if got := h.executor.reqs[0].TimeLimit; got != defaultMaxTimeLimit {
		t.Fatalf("expected limit clamped to %s, got %s", defaultMaxTimeLimit, got)
	}
	if got := h.executor.reqs[1].TimeLimit; got != 2*time.Second {
		t.Fatalf("expected limit kept, got %s", got)
	}
}

func TestNewRejectsReclaimIdleBelowRunBudget(t *testing.T) {
	deps := Deps{
		Queue:     &fakeQueue{log: &trace{}},
		Snapshots: &fakeStore{log: &trace{}},
		Executor:  &fakeExecutor{log: &trace{}},
		Runs:      newFakeRuns(&trace{}),
		Events:    &fakeEvents{log: &trace{}},
	}
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"defaults", Config{}, true},
		{"idle equals max limit", Config{ReclaimMinIdle: 60 * time.Second, MaxTimeLimit: 60 * time.Second}, false},
		{"idle covers budget", Config{ReclaimMinIdle: 2 * time.Minute, MaxTimeLimit: 60 * time.Second}, true},
		{"heartbeat too slow", Config{ReclaimMinIdle: 2 * time.Minute, HeartbeatInterval: 2 * time.Minute}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(deps, tt.cfg)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatalf("expected config error")
			}
		})
	}
}

// blockingExecutor holds each run until release is closed.
type blockingExecutor struct {
	started chan string
	release chan struct{}
}

func (e *blockingExecutor) Execute(ctx context.Context, req sandbox.Request) (model.Result, error) {
	e.started <- req.RunID
	<-e.release
	return model.Result{Status: model.StatusSucceeded}, nil
}

func (e *blockingExecutor) Kill(runID string) bool { return false }

func TestHandleRefreshesClaimWhileExecuting(t *testing.T) {
	log := &trace{}
	queue := &fakeQueue{log: log}
	store := &fakeStore{log: log, blobs: make(map[string][]byte)}
	blob, err := snapshot.Build(map[string]string{"main.py": "x"})
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	store.blobs["runs:snap:r1"] = blob
	blocker := &blockingExecutor{started: make(chan string, 1), release: make(chan struct{})}
	w, err := New(Deps{
		Queue:     queue,
		Snapshots: store,
		Executor:  blocker,
		Runs:      newFakeRuns(log, "r1"),
		Events:    &fakeEvents{log: log},
	}, Config{
		Consumer:          "test-1",
		ReclaimMinIdle:    time.Second,
		HeartbeatInterval: 10 * time.Millisecond,
		MaxTimeLimit:      100 * time.Millisecond,
		KillGrace:         10 * time.Millisecond,
		PersistTimeout:    100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	msg := jobEntry(t, "1-0", pythonJob("r1", "runs:snap:r1"))
	done := make(chan bool, 1)
	go func() { done <- w.Handle(context.Background(), msg) }()
	<-blocker.started
	deadline := time.After(2 * time.Second)
	for queue.touches() < 3 {
		select {
		case <-deadline:
			t.Fatalf("claim not refreshed, touches=%d", queue.touches())
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(blocker.release)
	if !<-done {
		t.Fatalf("expected ack")
	}
	after := queue.touches()
	time.Sleep(40 * time.Millisecond)
	if queue.touches() != after {
		t.Fatalf("heartbeat must stop once the job is handled")
	}
}
