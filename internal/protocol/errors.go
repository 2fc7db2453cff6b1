package protocol

import "errors"

// Core protocol errors
var (
	// Framing errors

	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// Message errors

	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrNotEncodable       = errors.New("message type is not encodable")
)
