package domain_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestAlreadyJoinedError_MatchesSentinel(t *testing.T) {
	err := fmt.Errorf("join: %w", &domain.AlreadyJoinedError{Position: 3})

	assert.ErrorIs(t, err, domain.ErrAlreadyJoined)

	var aj *domain.AlreadyJoinedError
	assert.True(t, errors.As(err, &aj))
	assert.Equal(t, 3, aj.Position)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want domain.Kind
	}{
		{nil, domain.KindSuccess},
		{domain.ErrDropNotFound, domain.KindNotFound},
		{domain.ErrNotJoined, domain.KindNotFound},
		{domain.ErrNotInWaitlist, domain.KindNotFound},
		{&domain.AlreadyJoinedError{Position: 1}, domain.KindConflict},
		{domain.ErrCannotLeaveAfterClaim, domain.KindInvalidState},
		{domain.ErrWindowClosed, domain.KindInvalidState},
		{domain.ErrOutOfStock, domain.KindInvalidState},
		{domain.ErrInvalidDrop, domain.KindValidation},
		{domain.ErrUnauthenticated, domain.KindUnauthenticated},
		{domain.Transient(errors.New("lock timeout")), domain.KindTransient},
		{context.DeadlineExceeded, domain.KindTransient},
		{errors.New("boom"), domain.KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, domain.KindOf(tt.err), "%v", tt.err)
	}
}

func TestTransient_Nil(t *testing.T) {
	assert.NoError(t, domain.Transient(nil))
}
