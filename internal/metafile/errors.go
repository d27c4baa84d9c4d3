package metafile

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyLocked is returned by Acquire while the user holds an open lock.
	ErrAlreadyLocked = errors.New("metafile already locked")
	// ErrInvalidToken is returned when a token does not match the user's current lock.
	ErrInvalidToken = errors.New("invalid lock token")
	// ErrStorage wraps every failure of the backing store.
	ErrStorage = errors.New("lock storage failure")
)

func storageErr(err error) error {
	if err == nil || errors.Is(err, ErrAlreadyLocked) || errors.Is(err, ErrInvalidToken) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
