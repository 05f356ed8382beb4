package protocol

const (
	OK = "OK"

	// Request validation.
	ErrBadRequest = "E_BAD_REQUEST"

	// Lookup.
	ErrNotFound = "E_NOT_FOUND"

	// The record exists but its biomass payload cannot be shown. Clients render a neutral
	// "data unavailable" state instead of failing the view.
	ErrDataUnavailable = "E_DATA_UNAVAILABLE"

	// Upstream backend failed or answered with an unexpected status.
	ErrBackend = "E_BACKEND"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	OK:                 {},
	ErrBadRequest:      {},
	ErrNotFound:        {},
	ErrDataUnavailable: {},
	ErrBackend:         {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
