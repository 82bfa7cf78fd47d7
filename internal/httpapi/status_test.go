package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/grpc/codes"

	"authcore.io/internal/credential"
	"authcore.io/internal/directory"
	"authcore.io/internal/token"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		err    error
		code   codes.Code
		reason string
		status int
	}{
		{directory.ErrConflict, codes.Aborted, "conflict", http.StatusConflict},
		{fmt.Errorf("%w: identity t/abc", directory.ErrConflict), codes.Aborted, "conflict", http.StatusConflict},
		{directory.ErrAlreadyExists, codes.AlreadyExists, "already_exists", http.StatusConflict},
		{directory.ErrInvalidID, codes.InvalidArgument, "invalid_id", http.StatusBadRequest},
		{directory.ErrNamespaceNotFound, codes.FailedPrecondition, "namespace_not_found", http.StatusBadRequest},
		{credential.ErrCertDisabled, codes.PermissionDenied, "certificate_disabled", http.StatusForbidden},
		{token.ErrTokenExpired, codes.Unauthenticated, "token_expired", http.StatusUnauthorized},
		{errors.New("boom"), codes.Internal, "internal", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		code, reason := mapError(tc.err)
		if code != tc.code || reason != tc.reason {
			t.Fatalf("mapError(%v) = (%v, %q), want (%v, %q)", tc.err, code, reason, tc.code, tc.reason)
		}
		if got := httpStatus(code); got != tc.status {
			t.Fatalf("httpStatus(%v) = %d, want %d", code, got, tc.status)
		}
	}
}
