package dto

// Amount fields are decimal strings in ether (18 decimals) unless named *_wei.
// Value is what the caller attaches to the call; only what the operation
// needs is taken from the caller's wallet.

type NonceRequest struct {
	Address string `json:"address" validate:"required,eth_addr"`
}

type LoginRequest struct {
	Address   string `json:"address" validate:"required,eth_addr"`
	Signature string `json:"signature" validate:"required,startswith=0x,hexadecimal"`
}

type AssetRequest struct {
	Contract string `json:"contract" validate:"required,eth_addr"`
	TokenID  string `json:"token_id" validate:"required,max=78"`
}

type RentalTermsRequest struct {
	Collateral         string `json:"collateral" validate:"required,ether"`
	PremiumPerPeriod   string `json:"premium_per_period" validate:"required,ether"`
	PeriodSeconds      int64  `json:"period_seconds" validate:"gte=0,max=3153600000"`
	MaxPremiumPayments int    `json:"max_premium_payments" validate:"gte=1"`
}

type CreateListingRequest struct {
	Asset    AssetRequest        `json:"asset" validate:"required"`
	Price    string              `json:"price" validate:"required,ether"`
	Rentable bool                `json:"rentable"`
	Terms    *RentalTermsRequest `json:"terms,omitempty" validate:"required_if=Rentable true,omitempty"`
	Value    string              `json:"value" validate:"omitempty,ether"`
}

type BidRequest struct {
	Asset    AssetRequest `json:"asset" validate:"required"`
	Price    string       `json:"price" validate:"required,ether"`
	External bool         `json:"external"`
	Value    string       `json:"value" validate:"omitempty,ether"`
}

type BidAndStakeRequest struct {
	Asset AssetRequest       `json:"asset" validate:"required"`
	Price string             `json:"price" validate:"required,ether"`
	Terms RentalTermsRequest `json:"terms" validate:"required"`
	Value string             `json:"value" validate:"omitempty,ether"`
}

type UpdatePriceRequest struct {
	Price string `json:"price" validate:"required,ether"`
	Value string `json:"value" validate:"omitempty,ether"`
}

// PaymentRequest is the body of calls that only attach value.
type PaymentRequest struct {
	Value string `json:"value" validate:"omitempty,ether"`
}

type ListingOfferRequest struct {
	Amount string `json:"amount" validate:"required,ether"`
	Value  string `json:"value" validate:"omitempty,ether"`
}

type AcceptOfferRequest struct {
	Offerer string `json:"offerer" validate:"required,eth_addr"`
}

type RentRequest struct {
	Periods int    `json:"periods" validate:"gte=1"`
	Value   string `json:"value" validate:"omitempty,ether"`
}

type StakingOfferRequest struct {
	Collateral string `json:"collateral" validate:"required,ether"`
	Premium    string `json:"premium" validate:"required,ether"`
	Value      string `json:"value" validate:"omitempty,ether"`
}

type AcceptStakingOfferRequest struct {
	Offerer string `json:"offerer" validate:"required,eth_addr"`
	Periods int    `json:"periods" validate:"gte=1"`
}

type PayPremiumRequest struct {
	Periods int    `json:"periods" validate:"gte=1"`
	Value   string `json:"value" validate:"omitempty,ether"`
}

type TokenAmountRequest struct {
	Amount string `json:"amount" validate:"required,ether"`
}

type DepositRequest struct {
	To     string `json:"to" validate:"required,eth_addr"`
	Amount string `json:"amount" validate:"required,ether"`
}

type MintAssetRequest struct {
	Asset AssetRequest `json:"asset" validate:"required"`
	Owner string       `json:"owner" validate:"required,eth_addr"`
}
