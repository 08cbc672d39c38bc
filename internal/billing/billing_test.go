package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr/fleetctl/internal/credit"
	"github.com/wopr/fleetctl/internal/store"
)

type fakeLedger struct {
	balance    credit.Credit
	debitCalls []string
	debitErr   error
}

func (f *fakeLedger) Balance(ctx context.Context, tenantID string) (credit.Credit, error) {
	return f.balance, nil
}

func (f *fakeLedger) Debit(ctx context.Context, tenantID string, amount credit.Credit, txType store.LedgerTransactionType, description string, referenceID *string) (*store.LedgerTransaction, error) {
	if f.debitErr != nil {
		return nil, f.debitErr
	}
	f.debitCalls = append(f.debitCalls, tenantID)
	return &store.LedgerTransaction{TenantID: tenantID, DeltaRaw: -amount.Raw()}, nil
}

func TestAddOnDailyCostAddsToPerBotFee(t *testing.T) {
	perBot := credit.MustFromCents(17)
	addOn := AddOn{Name: "premium-voice", DailyCost: credit.MustFromCents(5)}

	scaled, err := perBot.Mul(3)
	require.NoError(t, err)
	total, err := scaled.Add(addOn.DailyCost)
	require.NoError(t, err)

	// 3 bots * 17c + 5c addon = 56 cents
	assert.Equal(t, int64(56), total.ToCentsRounded())
}

func TestCheckReactivationSkipsWhenBalanceNotPositive(t *testing.T) {
	s := &Service{now: time.Now}
	ledger := &fakeLedger{balance: credit.MustFromRaw(0)}
	ids, err := s.CheckReactivation(context.Background(), "tenant-1", ledger)
	require.NoError(t, err)
	assert.Nil(t, ids)
}
