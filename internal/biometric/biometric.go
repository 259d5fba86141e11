package biometric

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrNoHardware  = errors.New("biometric hardware not available")
	ErrNotEnrolled = errors.New("requested biometric method not enrolled")
	ErrUnsupported = errors.New("biometric method unsupported")
	ErrCanceled    = errors.New("biometric prompt canceled")
	ErrFailed      = errors.New("biometric authentication failed")
	ErrUnknownKind = errors.New("unknown biometric kind")
)

// Kind is the biometric method the student chose.
type Kind string

const (
	Face        Kind = "face"
	Fingerprint Kind = "fingerprint"
)

// ParseKind accepts the kinds a client may request.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case Face:
		return Face, nil
	case Fingerprint:
		return Fingerprint, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Outcome is what an authenticator reports after prompting.
type Outcome string

const (
	Success     Outcome = "success"
	Failure     Outcome = "failure"
	Canceled    Outcome = "canceled"
	Unsupported Outcome = "unsupported"
)

// Capabilities describes the biometric hardware of a device.
type Capabilities struct {
	Hardware bool
	Enrolled []Kind
}

// Supports reports whether kind is enrolled on capable hardware.
func (c Capabilities) Supports(kind Kind) bool {
	return c.Hardware && slices.Contains(c.Enrolled, kind)
}

// Authenticator prompts the student for a biometric check.
type Authenticator interface {
	Capabilities(ctx context.Context) (Capabilities, error)
	Authenticate(ctx context.Context, kind Kind) (Outcome, error)
}

// Confirm runs the capability check and the prompt, returning nil only on
// success.
func Confirm(ctx context.Context, a Authenticator, kind Kind) error {
	caps, err := a.Capabilities(ctx)
	if err != nil {
		return fmt.Errorf("read capabilities: %w", err)
	}
	if !caps.Hardware {
		return ErrNoHardware
	}
	if !caps.Supports(kind) {
		return fmt.Errorf("%w: %s", ErrNotEnrolled, kind)
	}
	outcome, err := a.Authenticate(ctx, kind)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	switch outcome {
	case Success:
		return nil
	case Canceled:
		return ErrCanceled
	case Unsupported:
		return fmt.Errorf("%w: %s", ErrUnsupported, kind)
	default:
		return ErrFailed
	}
}
