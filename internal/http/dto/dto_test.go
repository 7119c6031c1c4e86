package dto

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEther(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"1", "1000000000000000000", true},
		{"0.04", "40000000000000000", true},
		{"0", "0", true},
		{"0.000000000000000001", "1", true},
		{"0.0000000000000000001", "", false},
		{"-1", "", false},
		{"abc", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseEther(tc.in)
			if !tc.ok {
				assert.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.String())
		})
	}
}

func TestParseOptionalEther(t *testing.T) {
	v, err := ParseOptionalEther("")
	require.NoError(t, err)
	assert.Zero(t, v.Sign())
}

func TestFormatEther(t *testing.T) {
	wei, _ := new(big.Int).SetString("99960000000000000000", 10)
	assert.Equal(t, "99.96", FormatEther(wei))
	assert.Equal(t, "0", FormatEther(nil))
	assert.Equal(t, "0.000000000000000001", FormatEther(big.NewInt(1)))
}

func TestValidateRequests(t *testing.T) {
	ok := BidRequest{
		Asset: AssetRequest{Contract: "0x00000000000000000000000000000000000000ff", TokenID: "7"},
		Price: "1.5",
	}
	assert.NoError(t, Validate(ok))

	bad := ok
	bad.Price = "1.5.5"
	assert.ErrorContains(t, Validate(bad), "Price failed ether")

	bad = ok
	bad.Asset.Contract = "nope"
	assert.ErrorContains(t, Validate(bad), "Contract failed eth_addr")

	assert.Error(t, Validate(RentRequest{Periods: 0}))
	assert.NoError(t, Validate(RentRequest{Periods: 2, Value: "0.3"}))
}

func TestValidateRentableListingNeedsTerms(t *testing.T) {
	req := CreateListingRequest{
		Asset:    AssetRequest{Contract: "0x00000000000000000000000000000000000000ff", TokenID: "7"},
		Price:    "1",
		Rentable: true,
	}
	assert.Error(t, Validate(req))

	req.Terms = &RentalTermsRequest{Collateral: "1", PremiumPerPeriod: "0.1", MaxPremiumPayments: 3}
	assert.NoError(t, Validate(req))
}

func TestParsePeriod(t *testing.T) {
	d, err := ParsePeriod(86400)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)

	d, err = ParsePeriod(0)
	require.NoError(t, err)
	assert.Zero(t, d)

	for _, s := range []int64{-1, MaxPeriodSeconds + 1, 20_000_000_000} {
		_, err := ParsePeriod(s)
		assert.ErrorIs(t, err, ErrInvalidPeriod, "seconds=%d", s)
	}
}

func TestValidateRentalPeriodBound(t *testing.T) {
	terms := RentalTermsRequest{Collateral: "1", PremiumPerPeriod: "0.1", MaxPremiumPayments: 3, PeriodSeconds: MaxPeriodSeconds}
	assert.NoError(t, Validate(terms))

	terms.PeriodSeconds = 20_000_000_000
	assert.ErrorContains(t, Validate(terms), "PeriodSeconds failed max")
}
