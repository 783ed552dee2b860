package apierr

import "net/http"

// HTTPStatus maps a Kind to the HTTP status the front door returns.
func HTTPStatus(k Kind) int {
	switch k {
	case KindInvalidRequest, KindInvalidSerialize, KindInvalidSignature, KindInvalidProjectID:
		return http.StatusBadRequest
	case KindInvalidAuthHeader, KindJWTTokenError, KindJWTTokenExpired:
		return http.StatusUnauthorized
	case KindNoPermission:
		return http.StatusForbidden
	case KindInvalidController, KindInvalidServiceEndpoint, KindInvalidEncrypt, KindServiceException:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// JSONRPCCode maps a Kind to a JSON-RPC 2.0 error code for the control
// plane. Parse/invalid-request/method-not-found use the reserved
// -32700/-32600/-32601 codes per spec.md §6; everything else gets a
// server-error code in the reserved -32000..-32099 band, keyed by Kind
// so the caller can distinguish them.
func JSONRPCCode(k Kind) int {
	switch k {
	case KindInvalidSerialize:
		return -32700
	case KindInvalidRequest:
		return -32600
	default:
		return -32000 - int(k)
	}
}
