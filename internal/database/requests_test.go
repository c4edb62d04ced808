package database

import (
	"testing"

	"github.com/stretchr/testify/require"

	"multillm-api/internal/shared"
)

func TestSaveRequests_EmptyIsNoOp(t *testing.T) {
	// No records means no statements; a nil handle proves nothing is
	// executed.
	err := SaveRequests(nil, map[string]*shared.ProcessedChatInfo{})
	require.NoError(t, err)
}
