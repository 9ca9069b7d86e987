// Package diskerr defines the error kinds surfaced to callers of daemon operations.
package diskerr

import (
	"errors"
	"fmt"
)

// Kind classifies a caller-visible failure.
type Kind string

const (
	Failed            Kind = "Failed"
	Busy              Kind = "Busy"
	Cancelled         Kind = "Cancelled"
	InvalidOption     Kind = "InvalidOption"
	AlreadyMounted    Kind = "AlreadyMounted"
	NotMounted        Kind = "NotMounted"
	NotCancellable    Kind = "NotCancellable"
	NotPartition      Kind = "NotPartition"
	NotPartitionTable Kind = "NotPartitionTable"
	NotLabeled        Kind = "NotLabeled"
	NotFilesystem     Kind = "NotFilesystem"
	NotLuks           Kind = "NotLuks"
	NotLocked         Kind = "NotLocked"
	NotUnlocked       Kind = "NotUnlocked"
	NotRaidMember     Kind = "NotRaidMember"
	NotRaidComponent  Kind = "NotRaidComponent"
	NotDrive          Kind = "NotDrive"
	NotSmartCapable   Kind = "NotSmartCapable"
	NotSupported      Kind = "NotSupported"
	NotFound          Kind = "NotFound"
	NotAuthorized     Kind = "NotAuthorized"
)

// Error implements error so a bare Kind can be used as a target for errors.Is.
func (k Kind) Error() string {
	return string(k)
}

// Error is a failure carrying a Kind, a message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error or a bare Kind of the same kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// New returns an error of kind k with a formatted message.
func New(k Kind, format string, args ...any) error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of kind k wrapping err. A nil err yields nil.
func Wrap(k Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Msg: msg, Err: err}
}

// KindOf reports the kind of err, Failed for foreign errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Failed
}
