// Package errors defines the error taxonomy shared by the routing table, the
// lookup engine and the transport. Errors local to a single contact are
// absorbed by the data plane; only KindFatal conditions reach callers of an
// in-flight lookup.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an error by how the data plane reacts to it.
type Kind string

const (
	KindUnknown Kind = "unknown"
	// KindMalformed is untrusted input that fails validation (bad id length,
	// empty address). The offending operation is a no-op.
	KindMalformed Kind = "malformed"
	// KindTransient is a per-request network failure: a timeout or a send
	// error on the local socket. It advances lookups and drives failure
	// bookkeeping but is never fatal on its own.
	KindTransient Kind = "transient"
	// KindStructural is an internal invariant violation in the bucket trie.
	KindStructural Kind = "structural"
	// KindIdentityConflict is a contact claiming an id already bound to a
	// different address.
	KindIdentityConflict Kind = "identity_conflict"
	// KindFatal is a local resource failure such as a closed transport.
	KindFatal Kind = "fatal"
	// KindNotFound is a lookup that converged without finding a value.
	KindNotFound Kind = "not_found"
	KindCanceled Kind = "canceled"
)

// Error carries a Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return string(e.Kind)
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind with a plain message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: stderrors.New(msg)}
}

// Wrap attaches a kind and operation to err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err aborts an in-flight lookup.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}

// IsTransient reports whether err only concerns a single request.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// Is and As mirror the standard library so callers need one import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
