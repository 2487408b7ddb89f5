package database

import (
	"fmt"

	"gorm.io/gorm"
)

// SafeIdentifier is a savepoint name that has been sanitized for direct use
// in SQL text. Savepoint statements cannot be parameterized, so every name
// passes through SanitizeIdentifier before any statement is built.
type SafeIdentifier string

// SanitizeIdentifier converts an arbitrary string into a safe SQL
// identifier: any character outside [A-Za-z0-9_] becomes an underscore, and
// names that would start with a digit get an "sp_" prefix.
func SanitizeIdentifier(name string) SafeIdentifier {
	if name == "" {
		return "sp"
	}

	out := make([]byte, len(name))

	for i := 0; i < len(name); i++ {
		c := name[i]

		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			out[i] = c
		default:
			out[i] = '_'
		}
	}

	if out[0] >= '0' && out[0] <= '9' {
		return SafeIdentifier("sp_" + string(out))
	}

	return SafeIdentifier(out)
}

// Savepoint creates a savepoint with the sanitized name on an open
// transaction.
func Savepoint(tx *gorm.DB, name string) error {
	if err := tx.SavePoint(string(SanitizeIdentifier(name))).Error; err != nil {
		return fmt.Errorf("creating savepoint %q: %w", name, err)
	}

	return nil
}

// RollbackToSavepoint rolls the transaction back to the named savepoint,
// leaving the transaction itself open.
func RollbackToSavepoint(tx *gorm.DB, name string) error {
	if err := tx.RollbackTo(string(SanitizeIdentifier(name))).Error; err != nil {
		return fmt.Errorf("rolling back to savepoint %q: %w", name, err)
	}

	return nil
}

// ReleaseSavepoint releases the named savepoint.
func ReleaseSavepoint(tx *gorm.DB, name string) error {
	safe := SanitizeIdentifier(name)
	if err := tx.Exec("RELEASE SAVEPOINT " + string(safe)).Error; err != nil {
		return fmt.Errorf("releasing savepoint %q: %w", name, err)
	}

	return nil
}

// WithSavepoint runs block inside a savepoint on an already-open
// transaction. On success the savepoint is released; on failure the
// transaction is rolled back to the savepoint (not aborted) and the block's
// error is returned, so the parent transaction can continue after a failed
// sub-step.
func WithSavepoint(tx *gorm.DB, name string, block func(tx *gorm.DB) error) error {
	if err := Savepoint(tx, name); err != nil {
		return err
	}

	if err := block(tx); err != nil {
		if rbErr := RollbackToSavepoint(tx, name); rbErr != nil {
			return fmt.Errorf("savepoint rollback failed: %v (original error: %w)", rbErr, err)
		}

		return err
	}

	return ReleaseSavepoint(tx, name)
}
