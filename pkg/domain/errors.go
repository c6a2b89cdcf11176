package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable reports that no backend is initialized or that its
	// initialization failed. It is not retried by the collection layer.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrNotFound reports an update that targeted a missing identifier.
	ErrNotFound = errors.New("document not found")
	// ErrDuplicateKey is reserved for strict inserts. Add resolves id
	// collisions by upsert and never returns it.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrTransactionFailure reports an aborted engine transaction.
	ErrTransactionFailure = errors.New("transaction failed")
	// ErrUnknownCollection reports a mutation against a collection that has no
	// physical sub-store.
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrInvalidDocument reports a document that cannot be represented with
	// the supported value kinds.
	ErrInvalidDocument = errors.New("invalid document")
)

// NotFoundError identifies the missing document.
type NotFoundError struct {
	Collection Collection
	ID         string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Collection, e.ID)
}

// Is matches ErrNotFound.
func (e NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// TransactionError wraps an engine failure with the operation that hit it.
type TransactionError struct {
	Op         string
	Collection Collection
	Err        error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// Is matches ErrTransactionFailure.
func (e *TransactionError) Is(target error) bool {
	return target == ErrTransactionFailure
}

// NewTransactionError wraps err unless it already carries a domain meaning
// that callers check for.
func NewTransactionError(op string, collection Collection, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownCollection) ||
		errors.Is(err, ErrInvalidDocument) || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return &TransactionError{Op: op, Collection: collection, Err: err}
}
