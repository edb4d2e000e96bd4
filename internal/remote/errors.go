package remote

import "errors"

// Store backends map their native failures onto these sentinels at the
// boundary; everything above matches with errors.Is and never sees a
// backend-specific error.
var (
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrQuotaExceeded      = errors.New("storage quota exceeded")
	ErrRecordNotFound     = errors.New("record not found")
	ErrZoneNotFound       = errors.New("zone not found")
	ErrShareNotFound      = errors.New("share not found")
	ErrConflict           = errors.New("record write conflict")
	ErrTokenExpired       = errors.New("change token expired")
)

// ServerError carries a remote-side failure detail that fits no other
// category.
type ServerError struct {
	Detail string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Detail
}

// ConflictError wraps ErrConflict with the record currently stored remotely
// so the loser of a race can adopt the winner's version without a re-read.
type ConflictError struct {
	Server Record
}

func (e *ConflictError) Error() string {
	return "record write conflict: " + e.Server.ID
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// Conflict extracts the server-side record from a Save failure, if the
// backend supplied one.
func Conflict(err error) (Record, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Server, true
	}
	return Record{}, false
}

// Sticky reports whether err should raise a persistent UI flag (offline or
// storage-full banner) in addition to being returned.
func Sticky(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable) || errors.Is(err, ErrQuotaExceeded)
}
