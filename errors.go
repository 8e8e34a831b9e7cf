// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package policyd

import "github.com/pkg/errors"

var (
	// errServerShutdown occurs when server is closing.
	errServerShutdown = errors.New("server is going to be shutdown")

	// ErrProtocolViolation is wrapped by every peer caused parse failure.
	// The connection is closed without a reply.
	ErrProtocolViolation = errors.New("policyd: protocol violation")
	// ErrLineTooLong occurs when a line does not fit the line buffer.
	ErrLineTooLong = errors.Wrap(ErrProtocolViolation, "line too long")
	// ErrMalformedLine occurs when a non-empty line is not exactly one key=value pair.
	ErrMalformedLine = errors.Wrap(ErrProtocolViolation, "malformed attribute line")
	// ErrTooManyLines occurs when a connection sends more lines than the line limit.
	ErrTooManyLines = errors.Wrap(ErrProtocolViolation, "line limit exceeded")
	// ErrDuplicateEnd occurs when a second end-of-request marker arrives on a connection.
	ErrDuplicateEnd = errors.Wrap(ErrProtocolViolation, "request already submitted")

	// ErrInvalidPriority occurs when a handler priority is outside [MinPriority, MaxPriority].
	ErrInvalidPriority = errors.New("policyd: handler priority out of range")
	// ErrNilHandler occurs when registering a nil handler.
	ErrNilHandler = errors.New("policyd: nil handler")
	// ErrInvalidVerdict occurs when configuring an unknown default verdict.
	ErrInvalidVerdict = errors.New("policyd: invalid verdict")

	// ErrServerClosed is returned by operations on a stopped server.
	ErrServerClosed = errors.New("policyd: server closed")
	// ErrNotServing is returned by runtime controls used before Serve.
	ErrNotServing = errors.New("policyd: server is not serving")
	// ErrNoListener is returned by Serve when Listen was never called.
	ErrNoListener = errors.New("policyd: no listener")
	// ErrUnsupportedProtocol occurs when trying to use protocol that is not supported.
	ErrUnsupportedProtocol = errors.New("policyd: only tcp and unix listeners are supported")
)
