package fault_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/corpusd/internal/fault"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"bare kind", fault.NotFound, fault.NotFound},
		{"wrapped once", fmt.Errorf("space %q: %w", "docs", fault.NotFound), fault.NotFound},
		{"wrapped twice", fmt.Errorf("registry: %w", fmt.Errorf("lookup: %w", fault.Conflict)), fault.Conflict},
		{"unclassified", errors.New("plain"), nil},
		{"invalid", fmt.Errorf("%w: chunk size 7 out of range", fault.Invalid), fault.Invalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fault.Kind(tt.err))
		})
	}
}

func TestTag(t *testing.T) {
	sentinel := fault.Tag(errors.New("collection not found"), fault.NotFound)

	require.EqualError(t, sentinel, "collection not found")

	// The sentinel matches itself and its kind, before and after wrapping.
	assert.ErrorIs(t, sentinel, sentinel)
	assert.ErrorIs(t, sentinel, fault.NotFound)

	wrapped := fmt.Errorf("search: %w", sentinel)
	assert.ErrorIs(t, wrapped, sentinel)
	assert.ErrorIs(t, wrapped, fault.NotFound)
	assert.Equal(t, fault.NotFound, fault.Kind(wrapped))

	// Other kinds do not match.
	assert.NotErrorIs(t, wrapped, fault.Conflict)
}
