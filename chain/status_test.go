package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusDBRoundTrip(t *testing.T) {
	assert.Nil(t, StatusPending.DBValue())

	okVal := StatusOK.DBValue().(int16)
	errVal := StatusError.DBValue().(int16)
	assert.Equal(t, StatusOK, StatusFromDB(&okVal))
	assert.Equal(t, StatusError, StatusFromDB(&errVal))
	assert.Equal(t, StatusPending, StatusFromDB(nil))
}

func TestParseInternalTxType(t *testing.T) {
	cases := map[string]InternalTxType{
		"call":         InternalTxCall,
		"create":       InternalTxCreate,
		"create2":      InternalTxCreate,
		"reward":       InternalTxReward,
		"suicide":      InternalTxSuicide,
		"selfdestruct": InternalTxSuicide,
	}
	for in, want := range cases {
		got, err := ParseInternalTxType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseInternalTxType("delegatecall")
	assert.Error(t, err)
}
