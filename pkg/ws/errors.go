package ws

import "errors"

var (
	ErrAlreadyRunning     = errors.New("server already running")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrInvalidCertificate = errors.New("invalid certificate")
	ErrShutdownTimeout    = errors.New("shutdown deadline exceeded")
)
