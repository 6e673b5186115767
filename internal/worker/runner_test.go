package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepchecks/monitoring-oss/internal/models"
	"github.com/deepchecks/monitoring-oss/internal/resources"
	"github.com/deepchecks/monitoring-oss/internal/storage"
	"github.com/deepchecks/monitoring-oss/internal/taskqueue"
)

type fakeQueue struct {
	mu      sync.Mutex
	entries []*taskqueue.Entry
	err     error
}

func (q *fakeQueue) BlockingPopMin(ctx context.Context, timeout time.Duration) (*taskqueue.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	if len(q.entries) == 0 {
		return nil, nil
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, nil
}

type fakeLease struct {
	mu         sync.Mutex
	name       string
	released   bool
	releaseErr error
	extendErr  error
	onRelease  func()
}

func (l *fakeLease) Name() string { return l.name }

func (l *fakeLease) Extend(ctx context.Context) error { return l.extendErr }

func (l *fakeLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	if l.onRelease != nil {
		l.onRelease()
	}
	return l.releaseErr
}

// fakeLeaser grants each named lease at most once until released,
// mirroring the store's SET NX semantics.
type fakeLeaser struct {
	mu       sync.Mutex
	held     map[string]bool
	acquires int
	denials  int
	err      error
}

func newFakeLeaser() *fakeLeaser {
	return &fakeLeaser{held: make(map[string]bool)}
}

func (s *fakeLeaser) Acquire(ctx context.Context, name string, ttl time.Duration) (taskqueue.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.held[name] {
		s.denials++
		return nil, nil
	}
	s.held[name] = true
	s.acquires++
	l := &fakeLease{name: name}
	l.onRelease = func() {
		s.mu.Lock()
		delete(s.held, name)
		s.mu.Unlock()
	}
	return l, nil
}

type fakeTx struct {
	pgx.Tx
	mu         sync.Mutex
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolledBack = true
	return nil
}

type fakeDB struct {
	mu  sync.Mutex
	txs []*fakeTx
	err error
}

func (db *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.err != nil {
		return nil, db.err
	}
	tx := &fakeTx{}
	db.txs = append(db.txs, tx)
	return tx, nil
}

type fakeStore struct {
	mu      sync.Mutex
	tasks   map[int64]*models.Task
	deleted []int64
}

func newFakeStore(tasks ...*models.Task) *fakeStore {
	s := &fakeStore{tasks: make(map[int64]*models.Task)}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s
}

func (s *fakeStore) CreateTask(ctx context.Context, req models.CreateTaskRequest) (*models.Task, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStore) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	return s.GetTaskInTx(ctx, nil, id)
}

func (s *fakeStore) GetTaskInTx(ctx context.Context, tx pgx.Tx, id int64) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, storage.ErrTaskNotFound
	}
	return task, nil
}

func (s *fakeStore) DeleteTaskInTx(ctx context.Context, tx pgx.Tx, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return storage.ErrTaskNotFound
	}
	delete(s.tasks, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func newTask(id int64, queueName string) *models.Task {
	return &models.Task{
		ID:           id,
		BgWorkerTask: queueName,
		NumPushed:    1,
		CreationTime: time.Now().Add(-time.Minute),
		Params:       json.RawMessage("{}"),
	}
}

func newTestRunner(queue popper, leases leaser, db sessionBeginner, store storage.Store, ws ...models.BackgroundWorker) *Runner {
	return NewRunner(queue, leases, db, store, NewRegistry(ws...), &resources.Provider{})
}

func TestRunner_SuccessCommitsAndReleases(t *testing.T) {
	var ran int
	w := &stubWorker{name: "alerts", run: func(ctx context.Context, task *models.Task, tx pgx.Tx, res *resources.Provider, lease taskqueue.Lease) error {
		ran++
		return nil
	}}
	store := newFakeStore(newTask(7, "alerts"))
	db := &fakeDB{}
	leases := newFakeLeaser()
	r := newTestRunner(&fakeQueue{}, leases, db, store, w)

	err := r.runSingleTask(context.Background(), &taskqueue.Entry{TaskID: 7, Score: time.Now().Unix()})
	require.NoError(t, err)

	assert.Equal(t, 1, ran)
	require.Len(t, db.txs, 1)
	assert.True(t, db.txs[0].committed)
	assert.False(t, db.txs[0].rolledBack)
	assert.Empty(t, leases.held, "lease must be released")
}

func TestRunner_RetryableErrorRollsBack(t *testing.T) {
	w := &stubWorker{name: "alerts", run: func(ctx context.Context, task *models.Task, tx pgx.Tx, res *resources.Provider, lease taskqueue.Lease) error {
		return errors.New("downstream hiccup")
	}}
	store := newFakeStore(newTask(7, "alerts"))
	db := &fakeDB{}
	leases := newFakeLeaser()
	r := newTestRunner(&fakeQueue{}, leases, db, store, w)

	err := r.runSingleTask(context.Background(), &taskqueue.Entry{TaskID: 7, Score: time.Now().Unix()})
	require.NoError(t, err)

	require.Len(t, db.txs, 1)
	assert.True(t, db.txs[0].rolledBack)
	assert.False(t, db.txs[0].committed)
	// Row survives for the queuer to re-promote
	assert.Empty(t, store.deleted)
	assert.Empty(t, leases.held)
}

func TestRunner_FatalErrorDeletesRow(t *testing.T) {
	w := &stubWorker{name: "alerts", run: func(ctx context.Context, task *models.Task, tx pgx.Tx, res *resources.Provider, lease taskqueue.Lease) error {
		return models.Fatal(errors.New("malformed params"))
	}}
	store := newFakeStore(newTask(7, "alerts"))
	db := &fakeDB{}
	leases := newFakeLeaser()
	r := newTestRunner(&fakeQueue{}, leases, db, store, w)

	err := r.runSingleTask(context.Background(), &taskqueue.Entry{TaskID: 7, Score: time.Now().Unix()})
	require.NoError(t, err)

	assert.Equal(t, []int64{7}, store.deleted)
	require.Len(t, db.txs, 1)
	assert.True(t, db.txs[0].committed)
}

func TestRunner_LeaseHeldElsewhereSkipsTask(t *testing.T) {
	var ran int
	w := &stubWorker{name: "alerts", run: func(ctx context.Context, task *models.Task, tx pgx.Tx, res *resources.Provider, lease taskqueue.Lease) error {
		ran++
		return nil
	}}
	store := newFakeStore(newTask(7, "alerts"))
	db := &fakeDB{}
	leases := newFakeLeaser()

	// Another runner already holds this task's lease
	held, err := leases.Acquire(context.Background(), taskqueue.TaskRunnerLockName(7), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, held)

	r := newTestRunner(&fakeQueue{}, leases, db, store, w)
	err = r.runSingleTask(context.Background(), &taskqueue.Entry{TaskID: 7, Score: time.Now().Unix()})
	require.NoError(t, err)

	assert.Zero(t, ran, "task must not run while leased elsewhere")
	assert.Empty(t, db.txs, "no session should be opened")
	assert.Equal(t, 1, leases.denials)
}

func TestRunner_AtMostOneConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	var running, ran int
	var mu sync.Mutex
	w := &stubWorker{name: "alerts", run: func(ctx context.Context, task *models.Task, tx pgx.Tx, res *resources.Provider, lease taskqueue.Lease) error {
		mu.Lock()
		running++
		ran++
		assert.Equal(t, 1, running, "two workers ran the same task concurrently")
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}}
	store := newFakeStore(newTask(7, "alerts"))
	leases := newFakeLeaser()
	entry := &taskqueue.Entry{TaskID: 7, Score: time.Now().Unix()}

	r1 := newTestRunner(&fakeQueue{}, leases, &fakeDB{}, store, w)
	r2 := newTestRunner(&fakeQueue{}, leases, &fakeDB{}, store, w)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = r1.runSingleTask(context.Background(), entry)
	}()

	// Wait for the first runner to be inside the handler, then pop the
	// same entry on the second runner while the lease is held
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return running == 1
	}, time.Second, time.Millisecond)

	err := r2.runSingleTask(context.Background(), entry)
	require.NoError(t, err)

	close(release)
	wg.Wait()

	assert.Equal(t, 1, ran, "exactly one invocation must complete")
	assert.Equal(t, 1, leases.acquires)
	assert.Equal(t, 1, leases.denials)
}

func TestRunner_MissingRowReleasesLease(t *testing.T) {
	var ran int
	w := &stubWorker{name: "alerts", run: func(ctx context.Context, task *models.Task, tx pgx.Tx, res *resources.Provider, lease taskqueue.Lease) error {
		ran++
		return nil
	}}
	store := newFakeStore() // task concurrently deleted
	db := &fakeDB{}
	leases := newFakeLeaser()
	r := newTestRunner(&fakeQueue{}, leases, db, store, w)

	err := r.runSingleTask(context.Background(), &taskqueue.Entry{TaskID: 9, Score: time.Now().Unix()})
	require.NoError(t, err)

	assert.Zero(t, ran)
	require.Len(t, db.txs, 1)
	assert.True(t, db.txs[0].rolledBack)
	assert.Empty(t, leases.held)
}

func TestRunner_UnknownWorkerLeavesRow(t *testing.T) {
	store := newFakeStore(newTask(7, "does-not-exist"))
	db := &fakeDB{}
	leases := newFakeLeaser()
	r := newTestRunner(&fakeQueue{}, leases, db, store, &stubWorker{name: "alerts"})

	err := r.runSingleTask(context.Background(), &taskqueue.Entry{TaskID: 7, Score: time.Now().Unix()})
	require.NoError(t, err)

	// Row stays for re-promotion after backoff; lease is released
	assert.Contains(t, store.tasks, int64(7))
	assert.Empty(t, store.deleted)
	require.Len(t, db.txs, 1)
	assert.True(t, db.txs[0].rolledBack)
	assert.Empty(t, leases.held)
}

func TestRunner_ExpiredLeaseReleaseIsNotFatal(t *testing.T) {
	w := &stubWorker{name: "alerts"}
	store := newFakeStore(newTask(7, "alerts"))
	db := &fakeDB{}

	lease := &fakeLease{name: taskqueue.TaskRunnerLockName(7), releaseErr: taskqueue.ErrLeaseNotHeld}
	leases := &staticLeaser{lease: lease}
	r := newTestRunner(&fakeQueue{}, leases, db, store, w)

	err := r.runSingleTask(context.Background(), &taskqueue.Entry{TaskID: 7, Score: time.Now().Unix()})
	require.NoError(t, err)
	assert.True(t, lease.released)
	require.Len(t, db.txs, 1)
	assert.True(t, db.txs[0].committed)
}

type staticLeaser struct {
	lease taskqueue.Lease
}

func (s *staticLeaser) Acquire(ctx context.Context, name string, ttl time.Duration) (taskqueue.Lease, error) {
	return s.lease, nil
}

func TestRunner_CancellationPropagatesAfterCleanup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &stubWorker{name: "alerts", run: func(ctx context.Context, task *models.Task, tx pgx.Tx, res *resources.Provider, lease taskqueue.Lease) error {
		cancel()
		return ctx.Err()
	}}
	store := newFakeStore(newTask(7, "alerts"))
	db := &fakeDB{}
	leases := newFakeLeaser()
	r := newTestRunner(&fakeQueue{}, leases, db, store, w)

	err := r.runSingleTask(ctx, &taskqueue.Entry{TaskID: 7, Score: time.Now().Unix()})
	require.ErrorIs(t, err, context.Canceled)

	require.Len(t, db.txs, 1)
	assert.True(t, db.txs[0].rolledBack)
	assert.Empty(t, leases.held, "lease release is best-effort even on cancellation")
}

func TestRunner_Run_StopsOnCancel(t *testing.T) {
	r := newTestRunner(&fakeQueue{}, newFakeLeaser(), &fakeDB{}, newFakeStore(), &stubWorker{name: "alerts"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunner_Run_QueueErrorDoesNotStopLoop(t *testing.T) {
	q := &fakeQueue{err: errors.New("connection refused")}
	r := newTestRunner(q, newFakeLeaser(), &fakeDB{}, newFakeStore(), &stubWorker{name: "alerts"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
