package errnum

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		num int
		err error
	}{
		{NotFound, ErrNotFound},
		{Exists, ErrExists},
		{Invalid, ErrInvalid},
		{NoService, ErrNoService},
		{ConnReset, ErrConnReset},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.err, ToError(tt.num))
		assert.Equal(t, tt.num, FromError(tt.err))
	}
	assert.Nil(t, ToError(OK))
	assert.Equal(t, OK, FromError(nil))
}

func TestFromWrappedError(t *testing.T) {
	err := fmt.Errorf("loading module: %w", ErrNotFound)
	assert.Equal(t, NotFound, FromError(err))
}

func TestFromErrorDefault(t *testing.T) {
	err := errors.New("mystery failure")
	assert.Equal(t, NoService, FromError(err))
	assert.Equal(t, ConnReset, FromErrorDefault(err, ConnReset))
	assert.Equal(t, OK, FromErrorDefault(nil, ConnReset))
}
