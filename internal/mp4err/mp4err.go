// Package mp4err defines the structured error taxonomy shared by the
// ISO-BMFF box parser, protection metadata extractor, PSSH parser, and
// CENC decryptor.
package mp4err

import "fmt"

// Kind identifies the category of a parse or decrypt failure.
type Kind int

const (
	InvalidFormat Kind = iota
	UnexpectedEOF
	UnsupportedScheme
	UnsupportedVersion
	NoKeys
	KeyNotFound
	InvalidKeySize
	InvalidIVSize
	SubsampleMismatch
	PsshDecodeFailed
	UTF8Decode
	UTF16Decode
	XML
)

func (k Kind) String() string {
	switch k {
	case InvalidFormat:
		return "invalid_format"
	case UnexpectedEOF:
		return "unexpected_eof"
	case UnsupportedScheme:
		return "unsupported_scheme"
	case UnsupportedVersion:
		return "unsupported_version"
	case NoKeys:
		return "no_keys"
	case KeyNotFound:
		return "key_not_found"
	case InvalidKeySize:
		return "invalid_key_size"
	case InvalidIVSize:
		return "invalid_iv_size"
	case SubsampleMismatch:
		return "subsample_mismatch"
	case PsshDecodeFailed:
		return "pssh_decode_failed"
	case UTF8Decode:
		return "utf8_decode"
	case UTF16Decode:
		return "utf16_decode"
	case XML:
		return "xml"
	default:
		return "unknown"
	}
}

// Error is the structured error value returned by the core. It never
// carries raw key or IV material; KIDHex is the only identifying
// material it is allowed to surface.
type Error struct {
	Kind    Kind
	Where   string // box/field context, e.g. "trun", "senc[3]"
	FourCC  string // offending four-character code, if any
	KIDHex  string // lowercase hex KID, if relevant (never the key)
	Reason  string
	Wrapped error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Where != "" {
		msg += " in " + e.Where
	}
	if e.FourCC != "" {
		msg += fmt.Sprintf(" (box %q)", e.FourCC)
	}
	if e.KIDHex != "" {
		msg += fmt.Sprintf(" (kid %s)", e.KIDHex)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, mp4err.New(mp4err.KeyNotFound, "", "", "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a structured error.
func New(kind Kind, where, fourCC, reason string) *Error {
	return &Error{Kind: kind, Where: where, FourCC: fourCC, Reason: reason}
}

// Wrap builds a structured error wrapping an underlying cause.
func Wrap(kind Kind, where string, err error) *Error {
	return &Error{Kind: kind, Where: where, Wrapped: err}
}

// WithKID attaches a KID (hex, no dashes) to an error for diagnostics.
func (e *Error) WithKID(kidHex string) *Error {
	e.KIDHex = kidHex
	return e
}

// Sentinel values for errors.Is comparisons against a Kind alone.
var (
	ErrNoKeys             = &Error{Kind: NoKeys}
	ErrKeyNotFound        = &Error{Kind: KeyNotFound}
	ErrUnexpectedEOF      = &Error{Kind: UnexpectedEOF}
	ErrUnsupportedScheme  = &Error{Kind: UnsupportedScheme}
	ErrUnsupportedVersion = &Error{Kind: UnsupportedVersion}
)
