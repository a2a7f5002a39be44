package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfRecognizesTaggedErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", New(KindValidation, "bad input"), KindValidation},
		{"auth", New(KindAuth, "no session"), KindAuth},
		{"not found", New(KindNotFound, "missing"), KindNotFound},
		{"conflict", New(KindConflict, "already exists"), KindConflict},
		{"integrity", New(KindIntegrity, "hash mismatch"), KindIntegrity},
		{"plain error defaults to internal", errors.New("boom"), KindInternal},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, KindOf(c.err))
		})
	}
}

func TestWrapUnwrapsUnderlyingError(t *testing.T) {
	inner := errors.New("disk full")
	err := Wrap(KindInternal, "write blob", inner)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "write blob")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "validation", KindValidation.String())
	assert.Equal(t, "internal", Kind(-1).String())
}
