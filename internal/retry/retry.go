// Package retry implements the explicit result-type retry wrapper called
// for in the design notes: errors are tagged transient or permanent rather
// than distinguished by type-switching on sentinel errors, and transient
// errors are retried with jittered exponential backoff.
package retry

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
)

// Kind tags whether an error is worth retrying.
type Kind int

const (
	// Permanent errors fail the operation immediately.
	Permanent Kind = iota
	// Transient errors are retried with backoff.
	Transient
)

// Outcome wraps an error with its Kind. A nil Outcome (or one with a nil
// Err) means success.
type Outcome struct {
	Err  error
	Kind Kind
}

func (o *Outcome) Error() string {
	if o == nil || o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// AsTransient wraps err as a Transient outcome. A nil err returns nil.
func AsTransient(err error) error {
	if err == nil {
		return nil
	}
	return &Outcome{Err: err, Kind: Transient}
}

// AsPermanent wraps err as a Permanent outcome. A nil err returns nil.
func AsPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &Outcome{Err: err, Kind: Permanent}
}

// IsTransient reports whether err (or one of its wrapped causes) is
// tagged Transient. An untagged error is treated as permanent: callers
// must explicitly opt in to retrying.
func IsTransient(err error) bool {
	var o *Outcome
	if errors.As(err, &o) {
		return o.Kind == Transient
	}
	return false
}

// Unwrap lets errors.Is/errors.As see through the Outcome tag.
func (o *Outcome) Unwrap() error { return o.Err }

// Policy configures the jittered exponential backoff used by Do.
type Policy struct {
	MaxRetries int
}

// DefaultPolicy matches §4.4: up to 3 retries of a transient error.
var DefaultPolicy = Policy{MaxRetries: 3}

// Do runs fn, retrying with jittered exponential backoff as long as it
// returns a Transient-tagged error, up to p.MaxRetries retries after the
// first attempt. A
// Permanent-tagged (or untagged) error returns immediately.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	withCtx := backoff.WithContext(bo, ctx)
	withMax := backoff.WithMaxRetries(withCtx, uint64(p.MaxRetries))

	return backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, withMax)
}
