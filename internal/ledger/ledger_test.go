package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wopr/fleetctl/internal/credit"
)

func TestCreditRejectsNegativeAmount(t *testing.T) {
	l := &Ledger{}
	_, err := l.Credit(context.Background(), "tenant-1", credit.MustFromRaw(-1), "signup_grant", "", nil)
	assert.Error(t, err)
}

func TestDebitRejectsNegativeAmount(t *testing.T) {
	l := &Ledger{}
	_, err := l.Debit(context.Background(), "tenant-1", credit.MustFromRaw(-1), "bot_runtime", "", nil)
	assert.Error(t, err)
}

func TestLockForReturnsSameMutexForSameTenant(t *testing.T) {
	l := New(nil, nil, nil)
	a := l.lockFor("tenant-1")
	b := l.lockFor("tenant-1")
	c := l.lockFor("tenant-2")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}
