package credit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromCentsRoundTrip(t *testing.T) {
	for _, n := range []int64{0, 1, 99, 500, 123456, 100_000_000} {
		c, err := FromCents(n)
		require.NoError(t, err)
		assert.Equal(t, n, c.ToCentsRounded())
	}
}

func TestFromRawRejectsOutOfRange(t *testing.T) {
	_, err := FromRaw(maxSafeRaw + 1)
	assert.Error(t, err)
	_, err = FromRaw(-(maxSafeRaw + 1))
	assert.Error(t, err)
}

func TestAddSubtract(t *testing.T) {
	a := MustFromCents(500)
	b := MustFromCents(150)
	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, int64(650), sum.ToCentsRounded())

	diff, err := a.Subtract(b)
	require.NoError(t, err)
	assert.Equal(t, int64(350), diff.ToCentsRounded())
}

func TestMulAppliesMargin(t *testing.T) {
	cost := MustFromRaw(2_000_000)   // $0.002
	charge, err := cost.Mul(1.3)
	require.NoError(t, err)
	assert.Equal(t, int64(2_600_000), charge.Raw())
}

func TestCmpAndSignChecks(t *testing.T) {
	a := MustFromCents(100)
	b := MustFromCents(200)
	assert.Equal(t, -1, a.Cmp(b))
	assert.Equal(t, 1, b.Cmp(a))
	assert.Equal(t, 0, a.Cmp(a))

	zeroMinusA, err := Zero.Subtract(a)
	require.NoError(t, err)
	assert.True(t, zeroMinusA.IsNegative())
	assert.True(t, Zero.IsZero())
}

func TestToCentsFloorTruncatesDownward(t *testing.T) {
	c := MustFromRaw(centScale + centScale/2) // 1.5 cents
	assert.Equal(t, int64(1), c.ToCentsFloor())

	negC := MustFromRaw(-(centScale + centScale/2))
	assert.Equal(t, int64(-2), negC.ToCentsFloor())
}

func TestStringFormatsDollarsAndCents(t *testing.T) {
	assert.Equal(t, "$5.00", MustFromCents(500).String())
	assert.Equal(t, "-$1.50", MustFromCents(-150).String())
}
