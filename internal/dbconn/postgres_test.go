package dbconn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPgConn_CloseReportsError(t *testing.T) {
	calls := 0
	c := &pgConn{shape: Single, close: func() error {
		calls++
		return errors.New("unexpected EOF")
	}}

	err := c.Close()
	require.Error(t, err)
	assert.Equal(t, "close postgresql: unexpected EOF", err.Error())

	assert.NoError(t, c.Close(), "a second close is a no-op")
	assert.Equal(t, 1, calls)
}
