package models

import "strings"

// Session keys are either a raw appointment identifier or a synthesized
// instant-session key of the form "text_session_<id>".
const textSessionPrefix = "text_session_"

func IsTextSession(sessionKey string) bool {
	return strings.HasPrefix(sessionKey, textSessionPrefix)
}

// TextSessionID strips the instant-session prefix, returning the backend's
// text-session identifier.
func TextSessionID(sessionKey string) string {
	return strings.TrimPrefix(sessionKey, textSessionPrefix)
}
