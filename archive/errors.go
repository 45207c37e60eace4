package archive

import "errors"

// ErrNotFound is returned when a requested conversation or import event does
// not exist.
var ErrNotFound = errors.New("not found")

// ErrUnknownProvider is returned when a provider name is not one of the
// supported providers.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrBadQuery is returned when a search query cannot be executed by the
// full-text engine. It is always surfaced as a user error, never as an
// internal failure.
var ErrBadQuery = errors.New("bad query")

// ErrBadInput is returned when an import source cannot be recognized at all
// (unreadable file, unrecognized root structure). A run that hits it is
// marked failed; per-conversation problems are warnings instead.
var ErrBadInput = errors.New("unrecognized input")
