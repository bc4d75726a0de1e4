package core

import "fmt"

// Kind classifies an error the way callers need to branch on it: whether
// to surface it to the user, retry it, abort the whole run, or merely log
// and continue.
type Kind int

const (
	// KindUser is a bad request or configuration mistake: wrong passphrase,
	// unknown volume prefix, malformed retention config.
	KindUser Kind = iota
	// KindRemoteTransient is a backend hiccup worth retrying: a dropped
	// connection, a throttled request, a timeout.
	KindRemoteTransient
	// KindInconsistentDatabase means an invariant the local index relies on
	// no longer holds. Always fatal, never retried.
	KindInconsistentDatabase
	// KindCorrupted marks a remote object that failed a hash or format
	// check. Logged and skipped during recreate, except for the very first
	// file-list volume, where it is fatal.
	KindCorrupted
	// KindCancelled marks cooperative shutdown. Never silently swallowed:
	// callers must still drain in-flight work before returning it.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindRemoteTransient:
		return "remote-transient"
	case KindInconsistentDatabase:
		return "inconsistent-database"
	case KindCorrupted:
		return "corrupted"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the usual wrapped error chain, so callers
// can do errors.As(err, &core.Error{}) to branch on Kind while everything
// else still unwraps with the standard library.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, &Error{Kind: KindInconsistentDatabase}) match on
// Kind alone, without requiring Op/Err to be identical.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	if t.Err == nil {
		return true
	}
	return t.Err.Error() == e.Err.Error()
}

// Inconsistentf builds a KindInconsistentDatabase error, the kind used
// whenever an invariant asserted by the fileset dropper, block reassigner,
// or consistency verifier fails.
func Inconsistentf(op string, format string, args ...any) error {
	return &Error{Kind: KindInconsistentDatabase, Op: op, Err: fmt.Errorf(format, args...)}
}

// Userf builds a KindUser error.
func Userf(op string, format string, args ...any) error {
	return &Error{Kind: KindUser, Op: op, Err: fmt.Errorf(format, args...)}
}

// Corruptedf builds a KindCorrupted error.
func Corruptedf(op string, format string, args ...any) error {
	return &Error{Kind: KindCorrupted, Op: op, Err: fmt.Errorf(format, args...)}
}

// RemoteTransientf builds a KindRemoteTransient error.
func RemoteTransientf(op string, format string, args ...any) error {
	return &Error{Kind: KindRemoteTransient, Op: op, Err: fmt.Errorf(format, args...)}
}

// Cancelledf builds a KindCancelled error.
func Cancelledf(op string) error {
	return &Error{Kind: KindCancelled, Op: op, Err: fmt.Errorf("operation cancelled")}
}
