package bus

import (
	"fmt"
	"strings"
)

// Kind is how a device reply was framed.
type Kind int

const (
	KindEmpty Kind = iota
	KindAck
	KindNak
	KindImplicit
)

func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindNak:
		return "nak"
	case KindImplicit:
		return "implicit"
	default:
		return "empty"
	}
}

// Codes maps reply bodies to values. With Strict set, an acknowledged body
// missing from Table is a failure and the result carries Fallback.
type Codes[T any] struct {
	Table    map[string]T
	Fallback T
	Strict   bool
}

// Result is a classified device reply. Recognized is false when the body was
// not found in the code table, in which case Code holds the raw body.
type Result[T any] struct {
	Kind       Kind
	Value      T
	Recognized bool
	Code       string
	Raw        string

	strict bool
}

func (r Result[T]) OK() bool {
	switch r.Kind {
	case KindAck:
		return r.Recognized || !r.strict
	case KindImplicit:
		return true
	default:
		return false
	}
}

// Err returns nil when the result is OK.
func (r Result[T]) Err() error {
	if r.OK() {
		return nil
	}
	switch r.Kind {
	case KindNak:
		return ErrNegativeAcknowledge
	case KindEmpty:
		return ErrNoResponse
	default:
		return fmt.Errorf("%w: %q", ErrUnrecognizedCode, r.Code)
	}
}

// Classify interprets a raw reply. A leading acknowledge strips to the body
// that is looked up in codes; a leading negative acknowledge always fails;
// anything else is an implicit acknowledge looked up as-is.
func Classify[T any](raw string, codes Codes[T]) Result[T] {
	res := Result[T]{Raw: raw, strict: codes.Strict}

	if raw == "" {
		res.Kind = KindEmpty
		res.Value = codes.Fallback
		return res
	}

	switch raw[0] {
	case Ack:
		res.Kind = KindAck
		res.Code = strings.TrimSuffix(raw[1:], "\r")
	case Nak:
		res.Kind = KindNak
		res.Code = strings.TrimSuffix(raw[1:], "\r")
		res.Value = codes.Fallback
		return res
	default:
		res.Kind = KindImplicit
		res.Code = strings.TrimSuffix(raw, "\r")
	}

	if v, ok := codes.Table[res.Code]; ok {
		res.Value = v
		res.Recognized = true
	} else {
		res.Value = codes.Fallback
	}
	return res
}
