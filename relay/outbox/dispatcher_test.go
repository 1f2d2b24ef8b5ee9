//go:build unit

package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

type fakeRepo struct {
	mu                 sync.Mutex
	claimable          []*OutboxEvent
	stuckCount         int
	markedPub          []uuid.UUID
	markPublishedCalls []uuid.UUID
	markedFail         []uuid.UUID
	failedErrs         []string
	failedRetryAts     []time.Time
	failedMaxAttempts  []int
	claimErr           error
	resetStuckErr      error
	markPublishedErr   error
	markFailedErr      error
	claimBlocked       <-chan struct{}
	claimCalls         int32
	resetStuckBefore   time.Time
}

func (repo *fakeRepo) Create(context.Context, *OutboxEvent) (*OutboxEvent, error) {
	return nil, nil
}

func (repo *fakeRepo) CreateWithTx(context.Context, Tx, *OutboxEvent) (*OutboxEvent, error) {
	return nil, nil
}

func (repo *fakeRepo) ClaimPending(ctx context.Context, _ int, _ time.Time) ([]*OutboxEvent, error) {
	atomic.AddInt32(&repo.claimCalls, 1)

	if repo.claimBlocked != nil {
		select {
		case <-repo.claimBlocked:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if repo.claimErr != nil {
		return nil, repo.claimErr
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	claimed := repo.claimable
	repo.claimable = nil

	return claimed, nil
}

func (repo *fakeRepo) ResetStuckProcessing(_ context.Context, _ int, before time.Time) (int, error) {
	if repo.resetStuckErr != nil {
		return 0, repo.resetStuckErr
	}

	repo.mu.Lock()
	repo.resetStuckBefore = before
	repo.mu.Unlock()

	return repo.stuckCount, nil
}

func (repo *fakeRepo) MarkPublished(_ context.Context, id uuid.UUID, _ time.Time) error {
	repo.mu.Lock()
	repo.markPublishedCalls = append(repo.markPublishedCalls, id)
	repo.mu.Unlock()

	if repo.markPublishedErr != nil {
		return repo.markPublishedErr
	}

	repo.mu.Lock()
	repo.markedPub = append(repo.markedPub, id)
	repo.mu.Unlock()

	return nil
}

func (repo *fakeRepo) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time, maxAttempts int) error {
	if repo.markFailedErr != nil {
		return repo.markFailedErr
	}

	repo.mu.Lock()
	repo.markedFail = append(repo.markedFail, id)
	repo.failedErrs = append(repo.failedErrs, errMsg)
	repo.failedRetryAts = append(repo.failedRetryAts, nextRetryAt)
	repo.failedMaxAttempts = append(repo.failedMaxAttempts, maxAttempts)
	repo.mu.Unlock()

	return nil
}

func (repo *fakeRepo) ListExhausted(context.Context, int) ([]*OutboxEvent, error) {
	return nil, nil
}

func (repo *fakeRepo) GetByID(context.Context, uuid.UUID) (*OutboxEvent, error) { return nil, nil }

func (repo *fakeRepo) claimCallCount() int {
	return int(atomic.LoadInt32(&repo.claimCalls))
}

type publishedMessage struct {
	topic   string
	key     string
	payload []byte
}

type fakeBroker struct {
	mu        sync.Mutex
	published []publishedMessage
	publishFn func(ctx context.Context, topic, key string, payload []byte) error
}

func (broker *fakeBroker) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if broker.publishFn != nil {
		if err := broker.publishFn(ctx, topic, key, payload); err != nil {
			return err
		}
	}

	broker.mu.Lock()
	broker.published = append(broker.published, publishedMessage{topic: topic, key: key, payload: payload})
	broker.mu.Unlock()

	return nil
}

func (broker *fakeBroker) publishedMessages() []publishedMessage {
	broker.mu.Lock()
	defer broker.mu.Unlock()

	return append([]publishedMessage(nil), broker.published...)
}

func testRouter(t *testing.T) *TopicRouter {
	t.Helper()

	router, err := NewTopicRouter(map[string]string{
		"payment.created": "payments.events",
		"payment.settled": "payments.events",
	})
	require.NoError(t, err)

	return router
}

func TestNewDispatcher_Validation(t *testing.T) {
	t.Parallel()

	router := testRouter(t)
	broker := &fakeBroker{}
	tracer := noop.NewTracerProvider().Tracer("test")

	_, err := NewDispatcher(nil, router, broker, nil, tracer)
	require.ErrorIs(t, err, ErrOutboxRepositoryRequired)

	_, err = NewDispatcher(&fakeRepo{}, nil, broker, nil, tracer)
	require.ErrorIs(t, err, ErrTopicRouterRequired)

	_, err = NewDispatcher(&fakeRepo{}, router, nil, nil, tracer)
	require.ErrorIs(t, err, ErrBrokerRequired)
}

func TestDispatcher_DispatchOncePublishes(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	broker := &fakeBroker{}

	eventID := uuid.New()
	aggregateID := uuid.New()
	repo.claimable = []*OutboxEvent{{
		ID:          eventID,
		EventType:   "payment.created",
		AggregateID: aggregateID,
		Payload:     []byte(`{"amount":100}`),
		Status:      OutboxStatusProcessing,
	}}

	dispatcher, err := NewDispatcher(repo, testRouter(t), broker, nil, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)

	result := dispatcher.DispatchOnceResult(context.Background())
	require.Equal(t, 1, result.Claimed)
	require.Equal(t, 1, result.Published)
	require.Zero(t, result.Failed)

	messages := broker.publishedMessages()
	require.Len(t, messages, 1)
	require.Equal(t, "payments.events", messages[0].topic)
	require.Equal(t, aggregateID.String(), messages[0].key)
	require.JSONEq(t, `{"amount":100}`, string(messages[0].payload))

	require.Len(t, repo.markedPub, 1)
	require.Equal(t, eventID, repo.markedPub[0])
	require.Empty(t, repo.markedFail)
}

func TestDispatcher_DispatchOnceUnmappedTypeMarksFailed(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	broker := &fakeBroker{}

	eventID := uuid.New()
	repo.claimable = []*OutboxEvent{{
		ID:        eventID,
		EventType: "payment.refunded",
		Payload:   []byte(`{}`),
		Status:    OutboxStatusProcessing,
	}}

	dispatcher, err := NewDispatcher(repo, testRouter(t), broker, nil, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)

	result := dispatcher.DispatchOnceResult(context.Background())
	require.Equal(t, 1, result.Failed)
	require.Zero(t, result.Published)

	require.Empty(t, broker.publishedMessages())
	require.Len(t, repo.markedFail, 1)
	require.Equal(t, eventID, repo.markedFail[0])
	require.Contains(t, repo.failedErrs[0], "no topic mapped")
}

func TestDispatcher_DispatchOnceBrokerErrorSchedulesRetry(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	broker := &fakeBroker{publishFn: func(context.Context, string, string, []byte) error {
		return errors.New("broker unavailable")
	}}

	eventID := uuid.New()
	repo.claimable = []*OutboxEvent{{
		ID:        eventID,
		EventType: "payment.created",
		Payload:   []byte(`{}`),
		Status:    OutboxStatusProcessing,
		Attempts:  2,
	}}

	before := time.Now().UTC()

	dispatcher, err := NewDispatcher(
		repo,
		testRouter(t),
		broker,
		nil,
		noop.NewTracerProvider().Tracer("test"),
		WithRetryPolicy(RetryPolicy{Base: 100 * time.Millisecond, Cap: time.Second, MaxAttempts: 10}),
	)
	require.NoError(t, err)

	result := dispatcher.DispatchOnceResult(context.Background())
	require.Equal(t, 1, result.Failed)
	require.Zero(t, result.Exhausted)

	require.Len(t, repo.markedFail, 1)
	require.Equal(t, eventID, repo.markedFail[0])
	require.Equal(t, 10, repo.failedMaxAttempts[0])
	require.True(t, repo.failedRetryAts[0].After(before))
	require.Contains(t, repo.failedErrs[0], "broker unavailable")
}

func TestDispatcher_DispatchOnceCountsExhaustion(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	broker := &fakeBroker{publishFn: func(context.Context, string, string, []byte) error {
		return errors.New("still down")
	}}

	repo.claimable = []*OutboxEvent{{
		ID:        uuid.New(),
		EventType: "payment.created",
		Payload:   []byte(`{}`),
		Status:    OutboxStatusProcessing,
		Attempts:  2,
	}}

	dispatcher, err := NewDispatcher(
		repo,
		testRouter(t),
		broker,
		nil,
		noop.NewTracerProvider().Tracer("test"),
		WithRetryPolicy(RetryPolicy{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 3}),
	)
	require.NoError(t, err)

	result := dispatcher.DispatchOnceResult(context.Background())
	require.Equal(t, 1, result.Failed)
	require.Equal(t, 1, result.Exhausted)
	require.Len(t, repo.markedFail, 1)
	require.Equal(t, 3, repo.failedMaxAttempts[0])
}

func TestDispatcher_DispatchOnceStateUpdateFailure(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{markPublishedErr: errors.New("row gone")}
	broker := &fakeBroker{}

	eventID := uuid.New()
	repo.claimable = []*OutboxEvent{{
		ID:        eventID,
		EventType: "payment.created",
		Payload:   []byte(`{}`),
		Status:    OutboxStatusProcessing,
	}}

	dispatcher, err := NewDispatcher(repo, testRouter(t), broker, nil, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)

	result := dispatcher.DispatchOnceResult(context.Background())
	require.Equal(t, 1, result.Published)
	require.Equal(t, 1, result.StateUpdateFailed)
	require.Zero(t, result.Failed)

	// Broker got the message even though the state write failed.
	require.Len(t, broker.publishedMessages(), 1)
	require.Len(t, repo.markPublishedCalls, 1)
	require.Equal(t, eventID, repo.markPublishedCalls[0])
	require.Empty(t, repo.markedFail)
}

func TestDispatcher_DispatchOnceResetsStuckLeases(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{stuckCount: 2}
	broker := &fakeBroker{}

	dispatcher, err := NewDispatcher(
		repo,
		testRouter(t),
		broker,
		nil,
		noop.NewTracerProvider().Tracer("test"),
		WithProcessingTimeout(time.Minute),
	)
	require.NoError(t, err)

	before := time.Now().UTC()
	_ = dispatcher.DispatchOnceResult(context.Background())

	repo.mu.Lock()
	cutoff := repo.resetStuckBefore
	repo.mu.Unlock()

	require.False(t, cutoff.IsZero())
	require.True(t, cutoff.Before(before))
}

func TestDispatcher_DispatchOnceClaimErrorReturnsEmpty(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{claimErr: errors.New("database down")}
	broker := &fakeBroker{}

	dispatcher, err := NewDispatcher(repo, testRouter(t), broker, nil, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)

	for range 3 {
		result := dispatcher.DispatchOnceResult(context.Background())
		require.Zero(t, result.Claimed)
	}

	require.Equal(t, 3, repo.claimCallCount())
	require.Empty(t, broker.publishedMessages())
}

func TestDispatcher_DispatchOnceStopsOnContextCancellation(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	firstID := uuid.New()
	secondID := uuid.New()
	repo.claimable = []*OutboxEvent{
		{ID: firstID, EventType: "payment.created", Payload: []byte(`{"n":1}`), Status: OutboxStatusProcessing},
		{ID: secondID, EventType: "payment.created", Payload: []byte(`{"n":2}`), Status: OutboxStatusProcessing},
	}

	ctx, cancel := context.WithCancel(context.Background())

	broker := &fakeBroker{publishFn: func(context.Context, string, string, []byte) error {
		cancel()

		return nil
	}}

	dispatcher, err := NewDispatcher(repo, testRouter(t), broker, nil, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)

	result := dispatcher.DispatchOnceResult(ctx)
	require.Equal(t, 2, result.Claimed)
	require.Equal(t, 1, result.Published)
	require.Len(t, broker.publishedMessages(), 1)
}

func TestDispatcher_RunRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	broker := &fakeBroker{}

	dispatcher, err := NewDispatcher(
		repo,
		testRouter(t),
		broker,
		nil,
		noop.NewTracerProvider().Tracer("test"),
		WithDispatchInterval(10*time.Millisecond),
	)
	require.NoError(t, err)

	runDone := make(chan error, 1)

	go func() {
		runDone <- dispatcher.RunContext(context.Background(), nil)
	}()

	require.Eventually(t, func() bool {
		return repo.claimCallCount() >= 1
	}, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, dispatcher.RunContext(context.Background(), nil), ErrOutboxDispatcherRunning)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, dispatcher.Shutdown(shutdownCtx))

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcher_ShutdownTimesOutOnBlockedClaim(t *testing.T) {
	t.Parallel()

	blocked := make(chan struct{})
	repo := &fakeRepo{claimBlocked: blocked}
	broker := &fakeBroker{}

	dispatcher, err := NewDispatcher(repo, testRouter(t), broker, nil, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)

	go func() {
		_ = dispatcher.RunContext(context.Background(), nil)
	}()

	require.Eventually(t, func() bool {
		return repo.claimCallCount() >= 1
	}, time.Second, 5*time.Millisecond)

	// Run's own context is cancelled by Stop, which unblocks the claim.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, dispatcher.Shutdown(shutdownCtx))
	close(blocked)
}
