package db

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
)

func TestWrapNotFound(t *testing.T) {
	assert.NoError(t, WrapNotFound(nil))
	assert.ErrorIs(t, WrapNotFound(pgx.ErrNoRows), ErrNotFound)
	assert.True(t, IsNotFound(WrapNotFound(pgx.ErrNoRows)))

	other := errors.New("boom")
	err := WrapNotFound(other)
	assert.ErrorIs(t, err, other)
	assert.False(t, IsNotFound(err))
	assert.EqualError(t, err, "db: boom")
}
