package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wopr/fleetctl/internal/store"
)

func TestRetryStatusesDefaultOnlyWaiting(t *testing.T) {
	assert.Equal(t, []store.RecoveryItemStatus{store.ItemWaiting}, retryStatuses(false))
}

func TestRetryStatusesForceIncludesFailed(t *testing.T) {
	got := retryStatuses(true)
	assert.Contains(t, got, store.ItemWaiting)
	assert.Contains(t, got, store.ItemFailed)
	assert.Len(t, got, 2)
}

func TestMustIDHasPrefix(t *testing.T) {
	id := mustID("recovery")
	assert.Contains(t, id, "recovery-")
}
