package httpapi

import "regexp"

// Mirrors the identifier/filename shapes internal/event validates against
// envelopes, applied here at the HTTP boundary so malformed requests are
// rejected before a signed event is ever built.
var (
	hexID      = regexp.MustCompile(`^[0-9a-f]{64}$`)
	aliasRe    = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
	filenameRe = regexp.MustCompile(`^[^/\\\x00]{1,255}$`)
)
