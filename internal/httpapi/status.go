package httpapi

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"authcore.io/internal/access"
	"authcore.io/internal/audit"
	"authcore.io/internal/credential"
	"authcore.io/internal/directory"
	"authcore.io/internal/token"
)

// mapError classifies a service error into the gRPC code taxonomy plus a
// stable machine-readable reason. Password failures stay deliberately
// coarse; token and certificate failures keep their distinct reasons.
func mapError(err error) (codes.Code, string) {
	switch {
	case errors.Is(err, directory.ErrInvalidID):
		return codes.InvalidArgument, "invalid_id"
	case errors.Is(err, directory.ErrNamespaceNotFound):
		return codes.FailedPrecondition, "namespace_not_found"
	case errors.Is(err, directory.ErrAlreadyExists):
		return codes.AlreadyExists, "already_exists"
	case errors.Is(err, directory.ErrNotFound):
		return codes.NotFound, "not_found"
	case errors.Is(err, directory.ErrConflict):
		return codes.Aborted, "conflict"

	case errors.Is(err, credential.ErrCredentialsInvalid):
		return codes.Unauthenticated, "credentials_invalid"
	case errors.Is(err, credential.ErrIdentityNotActive),
		errors.Is(err, token.ErrIdentityNotActive),
		errors.Is(err, access.ErrIdentityNotActive):
		return codes.PermissionDenied, "identity_not_active"

	case errors.Is(err, credential.ErrCertInvalidFormat):
		return codes.InvalidArgument, "certificate_malformed"
	case errors.Is(err, credential.ErrCertSignatureInvalid):
		return codes.Unauthenticated, "certificate_signature_invalid"
	case errors.Is(err, credential.ErrCertNotFound):
		return codes.NotFound, "certificate_not_found"
	case errors.Is(err, credential.ErrCertDisabled):
		return codes.PermissionDenied, "certificate_disabled"

	case errors.Is(err, token.ErrTokenInvalid):
		return codes.Unauthenticated, "token_invalid"
	case errors.Is(err, token.ErrTokenExpired):
		return codes.Unauthenticated, "token_expired"
	case errors.Is(err, token.ErrTokenDisabled):
		return codes.Unauthenticated, "token_disabled"
	case errors.Is(err, token.ErrTokenNotRefresh):
		return codes.InvalidArgument, "token_not_refresh"
	case errors.Is(err, token.ErrTokenNotFound):
		return codes.NotFound, "token_not_found"
	case errors.Is(err, token.ErrIdentityNotFound):
		return codes.NotFound, "identity_not_found"
	case errors.Is(err, token.ErrIdentityUnauthenticated):
		return codes.Unauthenticated, "identity_unauthenticated"
	case errors.Is(err, token.ErrUnauthorized):
		return codes.PermissionDenied, "scopes_not_granted"
	case errors.Is(err, token.ErrOAuth2NotConfigured):
		return codes.Unimplemented, "oauth2_not_configured"
	}
	return codes.Internal, "internal"
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.InvalidArgument, codes.FailedPrecondition:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code, reason := mapError(err)
	msg := err.Error()
	if code == codes.Internal {
		msg = "internal error"
	}
	writeError(w, r, httpStatus(code), reason, msg)
}

func writeError(w http.ResponseWriter, r *http.Request, httpCode int, reason, msg string) {
	payload := map[string]any{
		"error":  msg,
		"reason": reason,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, httpCode, payload)
}
