// Package adapter defines how external message buses are turned into
// snapshots, and the errors that doing so can produce.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/lowhung/buswatch/core/snapshot"
)

// Adapter pulls the current state of a message bus and maps it onto the
// snapshot model. Implementations return *Error so callers can choose a
// retry policy by Kind.
type Adapter interface {
	Name() string
	Collect(ctx context.Context) (snapshot.Snapshot, error)
}

// Kind classifies adapter failures.
type Kind int

const (
	KindConnection Kind = iota + 1
	KindParse
	KindAuth
	KindHTTP
	KindTimeout
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindParse:
		return "parse"
	case KindAuth:
		return "auth"
	case KindHTTP:
		return "http"
	case KindTimeout:
		return "timeout"
	case KindUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether trying again later can succeed without operator
// action.
func (k Kind) Retryable() bool {
	switch k {
	case KindConnection, KindHTTP, KindTimeout:
		return true
	default:
		return false
	}
}

type Error struct {
	Kind    Kind
	Adapter string
	Err     error
}

func (e *Error) Error() string {
	if e.Adapter == "" {
		return e.Kind.String() + " error: " + e.Err.Error()
	}
	return e.Adapter + ": " + e.Kind.String() + " error: " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// Wrap returns an *Error of the given kind, or nil when err is nil.
func Wrap(kind Kind, adapterName string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Adapter: adapterName, Err: err}
}

// Classify wraps a transport error, telling timeouts and connection failures
// from other request failures. Errors that already carry a Kind are returned
// unchanged.
func Classify(adapterName string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return Wrap(KindTimeout, adapterName, err)
	case errors.As(err, &ne) && ne.Timeout():
		return Wrap(KindTimeout, adapterName, err)
	case isDialError(err):
		return Wrap(KindConnection, adapterName, err)
	default:
		return Wrap(KindHTTP, adapterName, err)
	}
}

func isDialError(err error) bool {
	var op *net.OpError
	if errors.As(err, &op) && op.Op == "dial" {
		return true
	}
	var dns *net.DNSError
	return errors.As(err, &dns)
}

// KindOf returns the Kind of err, or 0 if err is not an adapter error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return 0
}

func IsConnection(err error) bool { return KindOf(err) == KindConnection }

func IsParse(err error) bool { return KindOf(err) == KindParse }

func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }
