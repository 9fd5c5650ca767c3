package split

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches every *NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrConcurrentModification is returned when the course index kept
	// moving under an edit for more attempts than the store allows.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrInvalidVersion is returned when an operation needs a published
	// version that does not exist, or targets a block that cannot have one.
	ErrInvalidVersion = errors.New("invalid version")
	ErrDuplicateItem  = errors.New("duplicate item")
	// ErrDuplicateCourse is returned when the course identity is taken,
	// compared case-insensitively.
	ErrDuplicateCourse = errors.New("duplicate course")
	// ErrInsufficientSpecification is returned for keys that cannot be
	// resolved as asked, such as writes through a version-only key.
	ErrInsufficientSpecification = errors.New("insufficient specification")
	// ErrVersionConflict is returned for writes through a key pinned to a
	// version that is no longer the branch head.
	ErrVersionConflict  = errors.New("version conflict")
	ErrInvalidOperation = errors.New("invalid operation")
)

// NotFoundError reports the key that could not be resolved.
type NotFoundError struct {
	Key fmt.Stringer
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Key)
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func notFound(key fmt.Stringer) error {
	return &NotFoundError{Key: key}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
