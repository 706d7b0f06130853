package model

import "errors"

// Error kinds shared across services and adapters. Callers classify with
// errors.Is; producers wrap them with context via fmt.Errorf("...: %w").
var (
	// ErrConfiguration means account credentials are missing for the active
	// environment. An operator has to fix the configuration.
	ErrConfiguration = errors.New("configuration error")

	// ErrNoCredential means no usable session token could be produced.
	ErrNoCredential = errors.New("no usable credential")

	// ErrLoginFailure means the browser driver could not complete a login.
	ErrLoginFailure = errors.New("login failed")

	// ErrAuthRejected means a privileged call was answered with 401 or 403
	// even after one forced refresh.
	ErrAuthRejected = errors.New("authorization rejected")

	// ErrTransientQuery means a remote query failed or timed out. It is
	// retried with backoff and then absorbed by skipping the day or month.
	ErrTransientQuery = errors.New("transient query failure")

	// ErrInvalidArgument means a public operation received bad input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrServiceUnavailable means the platform has nothing to offer for the
	// requested service, e.g. it lists no workers.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
)
