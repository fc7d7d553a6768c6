package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoIn struct {
	N int `json:"n"`
}

type echoOut struct {
	N int `json:"n"`
}

func echo(_ context.Context, in echoIn, _ *Exec) (echoOut, error) {
	return echoOut{N: in.N + 1}, nil
}

func TestRegistry_HandleRejectsDuplicatesAndEmpty(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register(r, "echo", echo))

	err := Register(r, "echo", echo)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	require.Error(t, Register(r, "", echo))
	require.Error(t, r.Handle("nil", nil))
}

func TestRegistry_Freeze(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register(r, "echo", echo))
	r.Freeze()

	err := Register(r, "late", echo)
	require.ErrorIs(t, err, ErrRegistryFrozen)
	assert.True(t, r.Has("echo"))
	assert.False(t, r.Has("late"))
}

func TestRegistry_TypesSorted(t *testing.T) {
	r := NewRegistry()
	for _, typ := range []string{"transcode", "echo", "package"} {
		require.NoError(t, Register(r, typ, echo))
	}
	assert.Equal(t, []string{"echo", "package", "transcode"}, r.Types())
}

func TestRegister_DecodesAndEncodes(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register(r, "echo", echo))

	h, ok := r.Lookup("echo")
	require.True(t, ok)
	out, err := h(context.Background(), json.RawMessage(`{"n":1}`), &Exec{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(out))
}

func TestRegister_EmptyInputIsZeroValue(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register(r, "echo", echo))

	h, _ := r.Lookup("echo")
	out, err := h(context.Background(), nil, &Exec{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(out))
}

func TestRegister_MalformedInputIsPermanent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register(r, "echo", echo))

	h, _ := r.Lookup("echo")
	_, err := h(context.Background(), json.RawMessage(`{"n":"one"}`), &Exec{})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	f := failureFor(err)
	assert.Equal(t, CodeInvalidInput, f.Code)
	assert.False(t, f.Retryable)
}

func TestRegister_HandlerErrorPassesThrough(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("ffmpeg exited 1")
	require.NoError(t, Register(r, "fail", func(context.Context, echoIn, *Exec) (echoOut, error) {
		return echoOut{}, boom
	}))

	h, _ := r.Lookup("fail")
	_, err := h(context.Background(), json.RawMessage(`{}`), &Exec{})
	require.ErrorIs(t, err, boom)
	assert.False(t, IsPermanent(err))
}
