package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Session state.
	ErrNotJoined     = "E_NOT_JOINED"
	ErrAlreadyJoined = "E_ALREADY_JOINED"

	// Clients may not touch internal channels.
	ErrForbiddenChannel = "E_FORBIDDEN_CHANNEL"

	ErrRateLimit = "E_RATE_LIMIT"
	ErrInternal  = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:  {},
	ErrNotJoined:        {},
	ErrAlreadyJoined:    {},
	ErrForbiddenChannel: {},
	ErrRateLimit:        {},
	ErrInternal:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
