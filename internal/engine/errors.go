package engine

import "errors"

var (
	// ErrContextLengthExceeded is returned by Forward once every position of
	// the context window has been used. The runtime must be Reset before it
	// accepts more tokens.
	ErrContextLengthExceeded = errors.New("context length exceeded")

	// ErrTokenOutOfRange is returned by Forward for ids outside the vocabulary.
	ErrTokenOutOfRange = errors.New("token id out of range")
)
