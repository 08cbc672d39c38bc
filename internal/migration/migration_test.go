package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrNoCapacityMessage(t *testing.T) {
	assert.Equal(t, "no_node_with_sufficient_capacity", ErrNoCapacity.Error())
}

func TestMustCmdIDDefaultsToCmdPrefix(t *testing.T) {
	id := mustCmdID()
	assert.Contains(t, id, "cmd-")
}

func TestMustCmdIDHonorsCustomPrefix(t *testing.T) {
	id := mustCmdID("audit")
	assert.Contains(t, id, "audit-")
}

func TestMustCmdIDIsUnique(t *testing.T) {
	assert.NotEqual(t, mustCmdID(), mustCmdID())
}
