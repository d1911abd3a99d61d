package ledger

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestIsUniqueViolationMatchesCode23505(t *testing.T) {
	err := &pgconn.PgError{Code: "23505"}
	require.True(t, isUniqueViolation(err))
}

func TestIsUniqueViolationRejectsOtherCodes(t *testing.T) {
	err := &pgconn.PgError{Code: "23503"}
	require.False(t, isUniqueViolation(err))
}

func TestIsUniqueViolationRejectsNonPgError(t *testing.T) {
	require.False(t, isUniqueViolation(errors.New("boom")))
}

func TestIsUniqueViolationRejectsNil(t *testing.T) {
	require.False(t, isUniqueViolation(nil))
}
