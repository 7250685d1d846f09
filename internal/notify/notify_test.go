package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{ calls atomic.Int32 }

func (f *failingSink) Send(context.Context, Notification) error {
	f.calls.Add(1)
	return errors.New("smtp down")
}

type slowSink struct {
	mu    sync.Mutex
	notes []Notification
}

func (s *slowSink) Send(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, n)
	return nil
}

func (s *slowSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notes)
}

func TestDispatcherDeliversToRemainingSinksOnFailure(t *testing.T) {
	bad := &failingSink{}
	log := &slowSink{}
	inbox := NewMemoryInbox()
	d := NewDispatcher([]Sink{bad, log}, WithDirect(inbox))

	err := d.Send(context.Background(), Notification{UserID: uuid.New(), Type: TypeLoanDueSoon, Message: "due"})
	require.NoError(t, err)
	assert.Len(t, inbox.All(), 1)

	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, int32(1), bad.calls.Load())
	assert.Equal(t, 1, log.count())
}

func TestDispatcherDirectFailureIsReported(t *testing.T) {
	bad := &failingSink{}
	d := NewDispatcher(nil, WithDirect(bad))
	defer d.Close(context.Background())

	err := d.Send(context.Background(), Notification{UserID: uuid.New(), Type: TypeLoanDueSoon})
	assert.ErrorContains(t, err, "smtp down")
}

func TestDispatcherRateLimitDoesNotBlockSenders(t *testing.T) {
	transport := &slowSink{}
	inbox := NewMemoryInbox()
	d := NewDispatcher([]Sink{transport}, WithDirect(inbox), WithRateLimit(2, 1))

	// A sweep's worth of notifications would take seconds to pass the bucket.
	for range 9 {
		require.NoError(t, d.Send(context.Background(), Notification{UserID: uuid.New(), Type: TypeLoanDueSoon}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, d.Send(ctx, Notification{UserID: uuid.New(), Type: TypeReservationAvailable}))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Len(t, inbox.All(), 10)
	assert.Less(t, transport.count(), 10)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer closeCancel()
	assert.ErrorIs(t, d.Close(closeCtx), context.DeadlineExceeded)
	assert.ErrorIs(t, d.Send(context.Background(), Notification{UserID: uuid.New()}), ErrClosed)
}

func TestDispatcherDropsWhenQueueIsFull(t *testing.T) {
	transport := &slowSink{}
	inbox := NewMemoryInbox()
	d := NewDispatcher([]Sink{transport}, WithDirect(inbox), WithRateLimit(0.001, 1), WithQueueSize(1))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		d.Close(ctx)
	}()

	var full int
	for range 5 {
		if err := d.Send(context.Background(), Notification{UserID: uuid.New(), Type: TypeLoanDueSoon}); errors.Is(err, ErrQueueFull) {
			full++
		}
	}
	assert.Positive(t, full)
	assert.Len(t, inbox.All(), 5)
}

func TestDispatcherCloseDrainsQueue(t *testing.T) {
	transport := &slowSink{}
	d := NewDispatcher([]Sink{transport}, WithRateLimit(1000, 10))
	for range 20 {
		require.NoError(t, d.Send(context.Background(), Notification{UserID: uuid.New(), Type: TypeLoanRenewed}))
	}
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 20, transport.count())
}

func TestMemoryInboxReadFlow(t *testing.T) {
	ctx := context.Background()
	inbox := NewMemoryInbox()
	user, other := uuid.New(), uuid.New()
	now := time.Now()

	require.NoError(t, inbox.Send(ctx, Notification{UserID: user, Type: TypeLoanDueSoon, CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, inbox.Send(ctx, Notification{UserID: user, Type: TypeReservationAvailable, CreatedAt: now}))
	require.NoError(t, inbox.Send(ctx, Notification{UserID: other, Type: TypeLoanDueSoon, CreatedAt: now}))

	items, err := inbox.List(ctx, user, false)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, TypeReservationAvailable, items[0].Type)

	n, err := inbox.MarkRead(ctx, items[0].ID, user)
	require.NoError(t, err)
	assert.True(t, n.IsRead)

	_, err = inbox.MarkRead(ctx, items[1].ID, other)
	assert.ErrorIs(t, err, ErrNotFound)

	unread, err := inbox.List(ctx, user, true)
	require.NoError(t, err)
	assert.Len(t, unread, 1)

	updated, err := inbox.MarkAllRead(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	updated, err = inbox.MarkAllRead(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 0, updated)
}

func TestHandlerListAndMarkAllRead(t *testing.T) {
	ctx := context.Background()
	inbox := NewMemoryInbox()
	user := uuid.New()
	require.NoError(t, inbox.Send(ctx, Notification{UserID: user, Type: TypeLoanRenewed, Message: "renewed"}))

	r := chi.NewRouter()
	NewHandler(inbox).Routes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/"+user.String()+"/notifications", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var items []Notification
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&items))
	require.Len(t, items, 1)
	assert.Equal(t, "renewed", items[0].Message)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/users/"+user.String()+"/notifications/read-all", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]int
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 1, body["updated"])
}

func TestHandlerMarkReadUnknown(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(NewMemoryInbox()).Routes(r)

	rec := httptest.NewRecorder()
	path := "/users/" + uuid.NewString() + "/notifications/" + uuid.NewString() + "/read"
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/nope/notifications", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
