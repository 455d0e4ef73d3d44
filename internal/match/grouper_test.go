package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupNegativesPartitionsByKey(t *testing.T) {
	keyA := Key{TaxRate: 13, BuyerID: 1, SellerID: 1}
	keyB := Key{TaxRate: 13, BuyerID: 2, SellerID: 1}

	groups := GroupNegatives([]NegativeInvoice{
		{InvoiceID: 1, Key: keyA, Amount: 10_00},
		{InvoiceID: 2, Key: keyB, Amount: 99_00},
		{InvoiceID: 3, Key: keyA, Amount: 20_00},
	})

	require.Len(t, groups, 2)
	// Largest aggregate demand first.
	assert.Equal(t, keyB, groups[0].Key)
	assert.Equal(t, int64(99_00), groups[0].Demand)
	assert.Equal(t, keyA, groups[1].Key)
	assert.Equal(t, int64(30_00), groups[1].Demand)
	assert.Equal(t, []int64{1, 3}, invoiceIDs(groups[1].Negatives))
}

func TestGroupNegativesEmpty(t *testing.T) {
	assert.Empty(t, GroupNegatives(nil))
}

func TestGroupNegativesDemandTiebreak(t *testing.T) {
	keyA := Key{TaxRate: 6, BuyerID: 2, SellerID: 2}
	keyB := Key{TaxRate: 13, BuyerID: 1, SellerID: 1}

	groups := GroupNegatives([]NegativeInvoice{
		{InvoiceID: 1, Key: keyB, Amount: 10_00},
		{InvoiceID: 2, Key: keyA, Amount: 10_00},
	})

	require.Len(t, groups, 2)
	assert.Equal(t, keyB, groups[0].Key)
	assert.Equal(t, keyA, groups[1].Key)
}
