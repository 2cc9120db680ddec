package models

import "errors"

// Gateway error taxonomy. Every failure surfaced at the boundary wraps one of
// these sentinels so callers can classify outcomes with errors.Is instead of
// string matching.
var (
	// ErrSignatureInvalid means the request body did not match its HMAC
	// signature header. No decryption was attempted.
	ErrSignatureInvalid = errors.New("request signature invalid")

	// ErrDecrypt means the envelope could not be decrypted (bad key wrap,
	// wrong passphrase, tampered ciphertext, or bad auth tag). The platform
	// treats this as a cue to refresh its cached public key.
	ErrDecrypt = errors.New("failed to decrypt envelope")

	// ErrSessionNotFound means the flow_token does not identify a live
	// session; the flow is considered invalidated.
	ErrSessionNotFound = errors.New("flow session not found")

	// ErrDuplicateSession means a create collided with a live session for
	// the same flow_token.
	ErrDuplicateSession = errors.New("flow session already exists")

	// ErrInvalidDay means day input did not resolve to one of the seven
	// calendar days.
	ErrInvalidDay = errors.New("invalid day")

	// ErrUnhandledScreen means a data_exchange referenced a screen that is
	// not a state of the session's flow mode.
	ErrUnhandledScreen = errors.New("unhandled screen")

	// ErrAutomationBackend means a call to the workflow automation backend
	// failed. Recovered locally; never fatal to the state machine.
	ErrAutomationBackend = errors.New("automation backend call failed")
)
