package ieerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorStringForms(t *testing.T) {
	require.Equal(t, "NoFocus", New(KindNoFocus, "", nil).Error())
	require.Equal(t, "NoFocus: nothing focused", New(KindNoFocus, "nothing focused", nil).Error())

	cause := errors.New("disk full")
	require.Equal(t, "StoreUnavailable: disk full", Wrap(KindStoreUnavailable, "", cause).Error())
	require.Equal(t, "StoreUnavailable: commit failed: disk full", Wrap(KindStoreUnavailable, "commit failed", cause).Error())
}

func TestAsRecoversThroughWrapping(t *testing.T) {
	inner := New(KindBlocked, "task 2 is blocked", map[string]any{"blockers": []int64{1}})
	outer := fmt.Errorf("starting task: %w", inner)

	e, ok := As(outer)
	require.True(t, ok)
	require.Equal(t, KindBlocked, e.Kind)
	require.Equal(t, []int64{1}, e.Details["blockers"])

	require.True(t, Is(outer, KindBlocked))
	require.False(t, Is(outer, KindNoFocus))
}

func TestWrapKeepsCauseReachable(t *testing.T) {
	cause := errors.New("locked")
	wrapped := Wrap(KindStoreUnavailable, "open", cause)
	require.ErrorIs(t, wrapped, cause)
}

func TestExitCodes(t *testing.T) {
	require.Equal(t, 3, KindNotAProject.ExitCode())
	require.Equal(t, 2, KindStoreUnavailable.ExitCode())
	require.Equal(t, 2, KindCorruptState.ExitCode())
	require.Equal(t, 2, KindIntegrityViolation.ExitCode())
	require.Equal(t, 1, KindInvalidArgument.ExitCode())
	require.Equal(t, 1, KindBlocked.ExitCode())
}

func TestHTTPStatuses(t *testing.T) {
	require.Equal(t, 400, KindInvalidArgument.HTTPStatus())
	require.Equal(t, 404, KindTaskNotFound.HTTPStatus())
	require.Equal(t, 409, KindBlocked.HTTPStatus())
	require.Equal(t, 409, KindIncompleteChildren.HTTPStatus())
	require.Equal(t, 409, KindCircularDependency.HTTPStatus())
	require.Equal(t, 500, KindStoreUnavailable.HTTPStatus())
	require.Equal(t, 500, KindCorruptState.HTTPStatus())
}
