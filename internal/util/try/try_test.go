package try

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCall(t *testing.T) {
	assert.NoError(t, Call(func() error { return nil }))
	assert.Equal(t, io.EOF, Call(func() error { return io.EOF }))
}

func TestCall_RecoversPanic(t *testing.T) {
	err := Call(func() error { panic("boom") })
	var pe *PanicError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "boom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	assert.Nil(t, pe.Unwrap())
}

func TestCall_PanicWithError(t *testing.T) {
	err := Call(func() error { panic(io.ErrUnexpectedEOF) })
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
