// Package errors defines the stable error kinds produced by the LTI security core.
package errors

import (
	"errors"
	"fmt"
)

// Registration errors
const (
	// ErrAlreadyRegistered is returned when a registration exists for the supplied client id
	ErrAlreadyRegistered = "ALREADY_REGISTERED"

	// ErrUnregistered is returned when no registration matches the issuer/audience of a token
	ErrUnregistered = "UNREGISTERED"

	// ErrPlatformNotActive is returned when the matched platform registration is disabled
	ErrPlatformNotActive = "PLATFORM_NOT_ACTIVE"

	// ErrToolNotActive is returned when the matched tool registration is disabled
	ErrToolNotActive = "TOOL_NOT_ACTIVE"

	// ErrMissingRegistrationParameters is returned when a registration descriptor is incomplete
	ErrMissingRegistrationParameters = "MISSING_REGISTRATION_PARAMETERS"
)

// Key resolution errors
const (
	// ErrMissingKid is returned when a JWK_SET registration receives a token without a kid header
	ErrMissingKid = "MISSING_KID"

	// ErrKeysetNotFound is returned when the remote JWKS document cannot be retrieved
	ErrKeysetNotFound = "KEYSET_NOT_FOUND"

	// ErrKeyNotFound is returned when the JWKS document has no key matching the token kid
	ErrKeyNotFound = "KEY_NOT_FOUND"

	// ErrAuthConfigNotFound is returned when the registration has no usable auth configuration
	ErrAuthConfigNotFound = "AUTHCONFIG_NOT_FOUND"
)

// Cryptographic errors
const (
	// ErrInvalidSignature is returned when token signature verification fails
	ErrInvalidSignature = "INVALID_SIGNATURE"

	// ErrKeyStoreCorrupt is returned when a stored private key cannot be decrypted
	ErrKeyStoreCorrupt = "KEY_STORE_CORRUPT"

	// ErrTokenMalformed is returned when a token cannot be decoded at all
	ErrTokenMalformed = "TOKEN_MALFORMED"
)

// OIDC and LTI claim errors
const (
	// ErrAudDoesNotMatch is returned when the aud claim does not contain the local client id
	ErrAudDoesNotMatch = "AUD_DOES_NOT_MATCH"

	// ErrAzpDoesNotMatch is returned when the azp claim does not equal the local client id
	ErrAzpDoesNotMatch = "AZP_DOES_NOT_MATCH"

	// ErrMissingAzpClaim is returned when aud is an array and no azp claim is present
	ErrMissingAzpClaim = "MISSING_AZP_CLAIM"

	// ErrAlgNotRS256 is returned when the token header declares an algorithm other than RS256
	ErrAlgNotRS256 = "ALG_NOT_RS256"

	// ErrTokenTooOld is returned when the token is older than the configured max age, or expired
	ErrTokenTooOld = "TOKEN_TOO_OLD"

	// ErrNonceAlreadyReceived is returned when a token presents a previously consumed nonce
	ErrNonceAlreadyReceived = "NONCE_ALREADY_RECEIVED"

	// ErrReplayDetected is returned by the replay guard on a duplicate nonce or state value
	ErrReplayDetected = "REPLAY_DETECTED"

	// ErrInvalidMessageType is returned when the LTI message type claim is unsupported
	ErrInvalidMessageType = "INVALID_MESSAGE_TYPE"

	// ErrInvalidLTIVersion is returned when the LTI version claim is not 1.3.0
	ErrInvalidLTIVersion = "INVALID_LTI_VERSION"

	// ErrDeploymentDoesNotMatch is returned when the deployment_id claim does not match the registration
	ErrDeploymentDoesNotMatch = "DEPLOYMENT_DOES_NOT_MATCH"
)

// Session errors
const (
	// ErrSessionNotFound is returned when a continuation token or its cookie binding is invalid
	ErrSessionNotFound = "SESSION_NOT_FOUND"

	// ErrSessionExpired is returned when a continuation token has expired
	ErrSessionExpired = "SESSION_EXPIRED"
)

// Upstream errors
const (
	// ErrAccessTokenExchangeFailed is returned when the outbound token exchange fails
	ErrAccessTokenExchangeFailed = "ACCESS_TOKEN_EXCHANGE_FAILED"

	// ErrUpstreamTimeout is returned when a remote endpoint does not respond in time
	ErrUpstreamTimeout = "UPSTREAM_TIMEOUT"
)

// Error represents an error produced by the LTI security core
type Error struct {
	// Kind is one of the stable kind constants above
	Kind string

	// Message is the human readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new error with the given kind
func New(kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a new error with a formatted message
func Newf(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new error with the given kind and underlying cause
func Wrap(kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Kind returns the kind of the error, or an empty string for foreign errors
func Kind(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind checks whether the error carries the given kind
func IsKind(err error, kind string) bool {
	return Kind(err) == kind
}

// MissingClaim builds the MISSING_<CLAIM>_CLAIM kind for the named claim.
// The claim name is the final path segment for namespaced LTI claim URIs.
func MissingClaim(claim string) *Error {
	kind := fmt.Sprintf("MISSING_%s_CLAIM", sanitizeClaim(claim))
	return &Error{Kind: kind, Message: fmt.Sprintf("token is missing the %s claim", claim)}
}

// IsMissingClaim checks whether the error reports the named claim as missing
func IsMissingClaim(err error, claim string) bool {
	return IsKind(err, fmt.Sprintf("MISSING_%s_CLAIM", sanitizeClaim(claim)))
}

func sanitizeClaim(claim string) string {
	out := make([]byte, 0, len(claim))
	for i := 0; i < len(claim); i++ {
		c := claim[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
