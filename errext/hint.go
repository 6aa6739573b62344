package errext

import "errors"

// HasHint is an error with an attached human readable hint, usually a
// suggestion on how to fix it.
type HasHint interface {
	error
	Hint() string
}

// WithHint attaches hint to err. A hint already present in the chain is
// kept in parentheses after the new one.
func WithHint(err error, hint string) error {
	if err == nil {
		return nil
	}
	return withHint{err, hint}
}

type withHint struct {
	error
	hint string
}

func (wh withHint) Unwrap() error {
	return wh.error
}

func (wh withHint) Hint() string {
	var inner HasHint
	if errors.As(wh.error, &inner) {
		return wh.hint + " (" + inner.Hint() + ")"
	}
	return wh.hint
}

var _ HasHint = withHint{}
