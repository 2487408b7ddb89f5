package database_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"

	"github.com/apiprobe/apiprobe/pkg/database"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want database.FailureKind
	}{
		{
			name: "nil error",
			err:  nil,
			want: database.FailureUnknown,
		},
		{
			name: "plain error",
			err:  errors.New("something else"),
			want: database.FailureUnknown,
		},
		{
			name: "postgres unique violation",
			err:  &pgconn.PgError{Code: "23505"},
			want: database.FailureDuplicateKey,
		},
		{
			name: "postgres deadlock",
			err:  &pgconn.PgError{Code: "40P01"},
			want: database.FailureDeadlock,
		},
		{
			name: "postgres serialization failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: database.FailureSerialization,
		},
		{
			name: "wrapped postgres error",
			err:  fmt.Errorf("creating row: %w", &pgconn.PgError{Code: "23505"}),
			want: database.FailureDuplicateKey,
		},
		{
			name: "gorm translated duplicate key",
			err:  gorm.ErrDuplicatedKey,
			want: database.FailureDuplicateKey,
		},
		{
			name: "unclassified postgres code",
			err:  &pgconn.PgError{Code: "42P01"},
			want: database.FailureUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, database.Classify(tt.err))
		})
	}
}

func TestFailureKind_String(t *testing.T) {
	assert.Equal(t, "duplicate_key", database.FailureDuplicateKey.String())
	assert.Equal(t, "deadlock", database.FailureDeadlock.String())
	assert.Equal(t, "serialization", database.FailureSerialization.String())
	assert.Equal(t, "unknown", database.FailureUnknown.String())
}

func TestErrorsUnwrap(t *testing.T) {
	inner := errors.New("inner")

	assert.ErrorIs(t, &database.ConnectionError{Err: inner}, inner)
	assert.ErrorIs(t, &database.QueryError{Err: inner}, inner)
	assert.ErrorIs(t, &database.TransactionError{Err: inner}, inner)
}

func TestQueryError_TruncatesStatement(t *testing.T) {
	c := setupTestClient(t)

	long := "SELECT * FROM no_such_table WHERE "
	for len(long) < 500 {
		long += "col = 'xxxxxxxxxxxxxxxx' AND "
	}

	_, err := c.Query(context.Background(), long)

	var qErr *database.QueryError
	assert.ErrorAs(t, err, &qErr)
	assert.LessOrEqual(t, len(qErr.Preview), 123) // 120 chars plus ellipsis
}
