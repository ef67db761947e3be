package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf_SurvivesWrapping(t *testing.T) {
	base := NewInsufficientBalanceError(uuid.New(), 500, 100)
	wrapped := fmt.Errorf("create order: %w", base)

	require.True(t, errors.Is(wrapped, ErrInsufficientBalance))
	assert.Equal(t, ErrInsufficientBalance, KindOf(wrapped))
	assert.Contains(t, PublicMessage(wrapped), "requested 500 Xu")
}

func TestKindOf_UnclassifiedErrorHasNoKind(t *testing.T) {
	assert.Nil(t, KindOf(errors.New("boom")))
	assert.Nil(t, KindOf(nil))
	assert.False(t, IsClassified(errors.New("boom")))
}

func TestProviderError_KeepsCauseInternal(t *testing.T) {
	cause := errors.New("upstream said: quota exceeded for key sk-123")
	err := NewProviderError("dispatcher.submit", cause)

	assert.True(t, errors.Is(err, ErrProvider))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "upstream provider unavailable", PublicMessage(err))
	assert.NotContains(t, PublicMessage(err), "sk-123")
}

func TestOrderStatus_Transitions(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderStatusPending, OrderStatusProcessing, true},
		{OrderStatusPending, OrderStatusCancelled, true},
		{OrderStatusPending, OrderStatusCompleted, false},
		{OrderStatusProcessing, OrderStatusCompleted, true},
		{OrderStatusProcessing, OrderStatusCancelled, true},
		{OrderStatusProcessing, OrderStatusPending, false},
		{OrderStatusCompleted, OrderStatusCancelled, false},
		{OrderStatusCancelled, OrderStatusCompleted, false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestJobRecord_Placeholder(t *testing.T) {
	id := uuid.New()
	job := JobRecord{ID: id, ExternalRequestID: PlaceholderExternalID(id)}
	assert.True(t, job.HasPlaceholder())

	job.ExternalRequestID = "f3c1b7a2-real"
	assert.False(t, job.HasPlaceholder())
}
