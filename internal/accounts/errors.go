package accounts

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrNoAccountAvailable = errors.New("no account available")
	ErrStorageUnavailable = errors.New("account storage unavailable")
	ErrAccountNotFound    = errors.New("account not found")
	ErrInvalidQueue       = errors.New("invalid queue name")
	ErrLeaseNotHeld       = errors.New("lease not held")
	ErrLoginUnavailable   = errors.New("no login handshake configured")
	ErrInvalidLineFormat  = errors.New("invalid line format")
)

// StorageError reports a failed statement on the lease path. It matches
// ErrStorageUnavailable with errors.Is.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("accounts: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// Queue names end up inside JSON paths.
var queuePattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

func ValidateQueue(queue string) error {
	if !queuePattern.MatchString(queue) {
		return fmt.Errorf("%w: %q", ErrInvalidQueue, queue)
	}
	return nil
}
