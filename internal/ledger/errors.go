package ledger

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Kind is the closed set of failure classes every ledger backend maps its
// driver errors onto. Callers branch on Kind (or errors.Is against the
// sentinels below), never on message text.
type Kind string

const (
	KindValidation            Kind = "validation"
	KindInsufficientFunds     Kind = "insufficient_funds"
	KindInsufficientInventory Kind = "insufficient_inventory"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindAlreadyExists         Kind = "already_exists"
	KindInternal              Kind = "internal"
)

var (
	ErrValidation            = stderrors.New("invalid request")
	ErrInsufficientFunds     = stderrors.New("insufficient funds")
	ErrInsufficientInventory = stderrors.New("insufficient inventory")
	ErrNotFound              = stderrors.New("not found")
	ErrConflict              = stderrors.New("concurrent modification, please try again")
	ErrAlreadyExists         = stderrors.New("already exists")
	ErrInternal              = stderrors.New("internal error")
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrValidation, KindValidation},
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrInsufficientInventory, KindInsufficientInventory},
	{ErrNotFound, KindNotFound},
	{ErrConflict, KindConflict},
	{ErrAlreadyExists, KindAlreadyExists},
	{ErrInternal, KindInternal},
}

// KindOf classifies err. Anything not wrapping one of the sentinels is
// treated as internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if stderrors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// IsConflict reports whether err is a retryable concurrent-modification error.
func IsConflict(err error) bool {
	return stderrors.Is(err, ErrConflict)
}

// Validationf builds a validation error carrying a readable message.
func Validationf(format string, args ...any) error {
	return errors.Wrapf(ErrValidation, format, args...)
}

// NotFoundf builds a not-found error for the named record.
func NotFoundf(format string, args ...any) error {
	return errors.Wrapf(ErrNotFound, format, args...)
}

func wrapf(sentinel error, format string, args ...any) error {
	return errors.Wrapf(sentinel, format, args...)
}

// Internalf wraps a driver failure so it classifies as internal while
// keeping the cause for logging.
func Internalf(cause error, format string, args ...any) error {
	return errors.Wrapf(stderrors.Join(ErrInternal, cause), format, args...)
}

// Message returns the text shown to players for err. Internal errors are
// replaced by a generic message; their detail belongs in the logs.
func Message(err error) string {
	switch KindOf(err) {
	case "":
		return ""
	case KindInternal:
		return "something went wrong, please try again later"
	case KindConflict:
		return ErrConflict.Error()
	}
	return err.Error()
}
