package deletion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGracePeriodIsThirtyDays(t *testing.T) {
	assert.Equal(t, 30*24*time.Hour, gracePeriod)
}
