package sitelink

import (
	serrors "github.com/moneta-dev/sitelink/errors"
)

// Flow engine errors (re-exported from the errors package).
var (
	ErrUnknownProvider        = serrors.ErrUnknownProvider
	ErrDuplicateActiveSession = serrors.ErrDuplicateActiveSession
	ErrSessionNotFound        = serrors.ErrSessionNotFound
	ErrStaleState             = serrors.ErrStaleState
	ErrInvalidState           = serrors.ErrInvalidState
	ErrTokenInvalid           = serrors.ErrTokenInvalid
	ErrProviderUnavailable    = serrors.ErrProviderUnavailable
)
