package optimization

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want error
		kind Kind
	}{
		{name: "configuration", err: NewConfigError("op", "bad %s", "region"), want: ErrConfiguration, kind: KindConfiguration},
		{name: "run failure", err: NewRunFailure("op", cause), want: ErrRunFailure, kind: KindRun},
		{name: "total failure", err: &Error{Kind: KindTotalFailure, Message: "all runs failed"}, want: ErrTotalFailure, kind: KindTotalFailure},
		{name: "stagnation", err: &Error{Kind: KindStagnation, Message: "stuck"}, want: ErrStagnation, kind: KindStagnation},
		{name: "wrapped by fmt", err: fmt.Errorf("ctx: %w", NewConfigError("op", "x")), want: ErrConfiguration, kind: KindConfiguration},
		{name: "wrapped by Error", err: WrapError(NewRunFailure("op", cause), "outer"), want: ErrRunFailure, kind: KindRun},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.want)
			assert.Equal(t, tt.kind, KindOf(tt.err))
			for _, other := range []error{ErrConfiguration, ErrRunFailure, ErrTotalFailure, ErrStagnation} {
				if other != tt.want {
					assert.NotErrorIs(t, tt.err, other)
				}
			}
		})
	}
}

func TestErrorUnwrapAndFormat(t *testing.T) {
	cause := errors.New("objective exploded")
	err := NewRunFailure("CMAES.Optimize", cause).WithComponent("inner")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "inner: CMAES.Optimize: run failure: objective exploded", err.Error())

	assert.Equal(t, "plain", NewError("plain").Error())
	assert.Nil(t, WrapError(nil, "x"))
	assert.Nil(t, WrapErrorf(nil, "x %d", 1))

	e, ok := IsOptimizationError(fmt.Errorf("outer: %w", err))
	assert.True(t, ok)
	assert.Same(t, err, e)

	_, ok = IsOptimizationError(cause)
	assert.False(t, ok)
	assert.Equal(t, KindUnknown, KindOf(cause))
}

func TestUnknownKindDoesNotMatch(t *testing.T) {
	assert.NotErrorIs(t, NewError("a"), NewError("a"))
}
