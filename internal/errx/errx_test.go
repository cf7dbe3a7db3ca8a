package errx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errSentinel = errors.New("sentinel")

func TestWrap(t *testing.T) {
	cause := errors.New("cause")
	err := Wrap(errSentinel, cause)

	assert.ErrorIs(t, err, errSentinel)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "sentinel: cause", err.Error())
}

func TestWith(t *testing.T) {
	err := With(errSentinel, ": port %d", 8080)

	assert.ErrorIs(t, err, errSentinel)
	assert.Equal(t, "sentinel: port 8080", err.Error())
}

func TestWith_WrapVerb(t *testing.T) {
	cause := errors.New("cause")
	err := With(errSentinel, ": inner: %w", cause)

	assert.ErrorIs(t, err, errSentinel)
	assert.ErrorIs(t, err, cause)
}
