package dispatch

import (
	"errors"
	"strings"
)

// Class partitions send failures by how the scheduler must react.
type Class int

const (
	// ClassTransient failures are retried with backoff, then row-scoped.
	ClassTransient Class = iota
	// ClassAuth means the sender credential was refused. Never retried;
	// fatal to the whole job since every further send would fail the same way.
	ClassAuth
	// ClassRecipient means the server refused this recipient. Never retried,
	// row-scoped only.
	ClassRecipient
)

type SendError struct {
	Class Class
	Err   error
}

func (e *SendError) Error() string { return e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

// ClassOf extracts the failure class from any error returned by a Sender.
// Unclassified errors count as transient.
func ClassOf(err error) Class {
	var serr *SendError
	if errors.As(err, &serr) {
		return serr.Class
	}
	return ClassTransient
}

// Classify maps a raw SMTP error onto a *SendError by reply code. gomail
// surfaces server replies as text, so the code is matched in the message.
func Classify(err error) *SendError {
	msg := err.Error()
	switch {
	case containsAny(msg, "530 ", "534 ", "535 ") ||
		strings.Contains(strings.ToLower(msg), "username and password not accepted") ||
		strings.Contains(strings.ToLower(msg), "authentication failed"):
		return &SendError{Class: ClassAuth, Err: err}
	case containsAny(msg, "550 ", "551 ", "553 ") ||
		strings.Contains(strings.ToLower(msg), "recipient address rejected"):
		return &SendError{Class: ClassRecipient, Err: err}
	default:
		return &SendError{Class: ClassTransient, Err: err}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
