// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package lemonadeerr is the typed error taxonomy used across the router.
//
// Every user-visible failure is an *Error so the HTTP gateway and the
// realtime session engine can map it to the right wire shape without
// string sniffing.
package lemonadeerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure. See spec §7 for the HTTP mapping.
type Kind string

const (
	ModelNotLoaded           Kind = "model_not_loaded"
	ModelInvalidated         Kind = "model_invalidated"
	BackendError             Kind = "backend_error"
	BackendBusy              Kind = "backend_busy"
	NetworkError             Kind = "network_error"
	InvalidRequest           Kind = "invalid_request"
	UnsupportedOperation     Kind = "unsupported_operation"
	InstallationError        Kind = "installation_error"
	DownloadError            Kind = "download_error"
	ProcessError             Kind = "process_error"
	FileError                Kind = "file_error"
	InternalError            Kind = "internal_error"
	AudioFormatUnsupported   Kind = "audio_format_unsupported"
	AudioFileTooLarge        Kind = "audio_file_too_large"
	AudioLanguageUnsupported Kind = "audio_language_unsupported"
)

// httpStatus maps a Kind to the HTTP status code spec §7 requires.
var httpStatus = map[Kind]int{
	InvalidRequest:           http.StatusBadRequest,
	AudioFormatUnsupported:   http.StatusUnsupportedMediaType,
	AudioFileTooLarge:        http.StatusUnsupportedMediaType,
	AudioLanguageUnsupported: http.StatusUnsupportedMediaType,
	UnsupportedOperation:     http.StatusNotImplemented,
	ModelNotLoaded:           http.StatusConflict,
	ModelInvalidated:         http.StatusConflict,
	BackendBusy:              http.StatusConflict,
	BackendError:             http.StatusBadGateway,
	NetworkError:             http.StatusGatewayTimeout,
	InstallationError:        http.StatusInternalServerError,
	DownloadError:            http.StatusInternalServerError,
	ProcessError:             http.StatusInternalServerError,
	FileError:                http.StatusInternalServerError,
	InternalError:            http.StatusInternalServerError,
}

// Error is the one error type in this codebase; it carries enough
// information to produce both a log line and a JSON wire body.
type Error struct {
	Kind    Kind
	Message string
	// Backend and Status are set for BackendError.
	Backend string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status code this error should be reported as.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Body is the JSON shape required by spec §7: {"error":{"message","type"}}.
type Body struct {
	ErrorField struct {
		Message string `json:"message"`
		Type    Kind   `json:"type"`
		Backend string `json:"backend,omitempty"`
	} `json:"error"`
}

// ToBody renders e into the wire JSON body.
func (e *Error) ToBody() Body {
	var b Body
	b.ErrorField.Message = e.Message
	b.ErrorField.Type = e.Kind
	b.ErrorField.Backend = e.Backend
	return b
}

// New builds an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind wrapping err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// NewBackendError builds the BackendError variant, which also carries the
// originating backend name and its HTTP status.
func NewBackendError(backend string, status int, err error) *Error {
	return &Error{Kind: BackendError, Backend: backend, Status: status, Message: fmt.Sprintf("backend %s returned status %d", backend, status), Err: err}
}

// As is a convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
