package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrRuleSourceUnavailable is returned when rule definitions cannot be loaded.
	ErrRuleSourceUnavailable = errors.New("rule source unavailable")
	// ErrUnknownParticipant marks a participant id with no person or group.
	ErrUnknownParticipant = errors.New("unknown participant")
	// ErrConcurrentModification is returned when an entity changed under a
	// transaction or a cap key was touched without holding its lock.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrDuplicateRule is returned when adding a rule whose name is taken.
	ErrDuplicateRule = errors.New("duplicate rule")
	// ErrNotFound is returned by lookups for missing persons, groups and rules.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRule wraps rule validation failures.
	ErrInvalidRule = errors.New("invalid rule")
)

// PersistenceError reports a failed write for one rule distribution. The
// rule's changes were rolled back.
type PersistenceError struct {
	Rule string
	Op   string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("rule %q: %s: %v", e.Rule, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsNotFound reports whether err denotes a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
