package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestGRPCCodeMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want codes.Code
	}{
		{KindUnauthenticated, codes.Unauthenticated},
		{KindUnauthorized, codes.PermissionDenied},
		{KindBadRequest, codes.InvalidArgument},
		{KindNotFound, codes.NotFound},
		{KindUnavailable, codes.Unavailable},
		{KindUnknown, codes.Unknown},
	}
	for _, c := range cases {
		require.Equal(t, c.want, New(c.kind, "x").GRPCCode())
	}
}

func TestErrorFormattingIncludesSubkindAndCause(t *testing.T) {
	err := New(KindBadRequest, "bad thing").WithSubkind(SubkindInvalidParam).Wrap(errors.New("root cause"))
	require.Contains(t, err.Error(), "bad_request.invalid_param")
	require.Contains(t, err.Error(), "root cause")
	require.Equal(t, "bad_request.invalid_param", err.ErrCode())
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("root cause")
	err := New(KindUnavailable, "x").Wrap(cause)
	require.Equal(t, cause, errors.Unwrap(err))
}

func TestIsUnknownFidOrInvalidSigner(t *testing.T) {
	require.True(t, IsUnknownFidOrInvalidSigner(New(KindBadRequest, "unknown fid")))
	require.True(t, IsUnknownFidOrInvalidSigner(New(KindBadRequest, "x").WithSubkind(SubkindInvalidParam)))
	require.False(t, IsUnknownFidOrInvalidSigner(New(KindBadRequest, "x").WithSubkind(SubkindDuplicate)))
	require.False(t, IsUnknownFidOrInvalidSigner(errors.New("plain error")))
}

func TestGRPCErrorCarriesMessage(t *testing.T) {
	err := New(KindNotFound, "missing").GRPCError()
	require.Contains(t, err.Error(), "missing")
}
