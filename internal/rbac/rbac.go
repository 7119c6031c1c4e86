package rbac

// Role constants. A role is relative to one listing.
const (
	RoleSeller      = "seller"
	RoleRenter      = "renter"
	RoleParticipant = "participant"
	RoleAdmin       = "admin"
)

// Permission constants
const (
	PermCancelListing      = "cancel_listing"
	PermUpdatePrice        = "update_price"
	PermAcceptBid          = "accept_bid"
	PermAcceptOffer        = "accept_offer"
	PermAcceptStakingOffer = "accept_staking_offer"
	PermClaimCollateral    = "claim_collateral"
	PermBid                = "bid"
	PermBuy                = "buy"
	PermMakeOffer          = "make_offer"
	PermRent               = "rent"
	PermPayPremium         = "pay_premium"
	PermStopRental         = "stop_rental"
	PermMint               = "mint"
	PermDeposit            = "deposit"
)

// RolePermissions defines what each role can do.
var RolePermissions = map[string][]string{
	RoleSeller: {
		PermCancelListing, PermUpdatePrice, PermAcceptBid, PermAcceptOffer,
		PermAcceptStakingOffer, PermClaimCollateral,
		// Seller CANNOT: bid, buy, offer or rent on own listing
	},
	RoleRenter: {
		PermPayPremium, PermStopRental,
	},
	RoleParticipant: {
		PermBid, PermBuy, PermMakeOffer, PermRent,
	},
	RoleAdmin: {
		PermMint, PermDeposit,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}
