package journal

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEncodesPayload(t *testing.T) {
	loanID, userID, bookID := uuid.New(), uuid.New(), uuid.New()
	due := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	at := time.Date(2026, 2, 15, 10, 0, 0, 0, time.FixedZone("x", 3600))

	ev, err := New(AggregateLoan, LoanBorrowed, loanID, LoanEvent{
		LoanID: loanID,
		UserID: userID,
		BookID: bookID,
		DueAt:  &due,
	}, at)
	require.NoError(t, err)

	assert.Equal(t, loanID, ev.AggregateID)
	assert.Equal(t, AggregateLoan, ev.AggregateType)
	assert.Equal(t, LoanBorrowed, ev.EventType)
	assert.Equal(t, time.UTC, ev.OccurredAt.Location())

	var got LoanEvent
	require.NoError(t, ev.Decode(&got))
	assert.Equal(t, userID, got.UserID)
	assert.Equal(t, bookID, got.BookID)
	require.NotNil(t, got.DueAt)
	assert.True(t, due.Equal(*got.DueAt))
}

func TestNewRejectsEmptyType(t *testing.T) {
	_, err := New(AggregateBook, "", uuid.New(), BookEvent{}, time.Now())
	assert.ErrorIs(t, err, ErrEmptyEventType)
}

func TestDecodeReportsBadPayload(t *testing.T) {
	ev := Event{EventType: LoanRenewed, EventData: []byte("{not json")}
	var got LoanEvent
	assert.Error(t, ev.Decode(&got))
}
