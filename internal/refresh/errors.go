package refresh

import "fmt"

// ErrorKind classifies a failed refresh attempt.
type ErrorKind string

const (
	KindNetwork          ErrorKind = "network"
	KindInvalidGrant     ErrorKind = "invalid-grant"
	KindProviderRejected ErrorKind = "provider-rejected"
)

// Error is a classified refresh failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("refresh failed (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func netErr(err error) *Error      { return &Error{Kind: KindNetwork, Err: err} }
func grantErr(err error) *Error    { return &Error{Kind: KindInvalidGrant, Err: err} }
func providerErr(err error) *Error { return &Error{Kind: KindProviderRejected, Err: err} }

// Classify returns the kind of err, defaulting to network for unclassified
// transport-level failures.
func Classify(err error) ErrorKind {
	if re, ok := err.(*Error); ok {
		return re.Kind
	}
	return KindNetwork
}
