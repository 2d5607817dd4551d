package app

import "net/http"

// DomainError is an error the HTTP layer writes out verbatim: Status as the
// response code, Code and Message in the body, Details when set.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

func newDomainError(status int, code, message string, details any) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}

func invalidID() *DomainError {
	return newDomainError(http.StatusBadRequest, "INVALID_ID", "Id must contain letters, digits, '_' or '-'", nil)
}

// unavailable reports an optional backend that was not configured.
func unavailable(code, message string) *DomainError {
	return newDomainError(http.StatusServiceUnavailable, code, message, nil)
}

func mediaUnavailable() *DomainError {
	return unavailable("MEDIA_UNAVAILABLE", "Media storage is not configured")
}

// staleRevision rejects editor content built on an outdated stream. The
// current revision lets the client resync without another round trip.
func staleRevision(current int64) *DomainError {
	return newDomainError(http.StatusConflict, "STALE_REVISION",
		"Blocks were reported against an outdated revision", map[string]any{"revision": current})
}
