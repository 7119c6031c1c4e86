package events

import "context"

// Stream every marketplace event is published on.
const StreamMarketplace = "events:marketplace"

// Event types
const (
	EventListed                = "Listed"
	EventBidPlaced             = "BidPlaced"
	EventCancelBid             = "CancelBid"
	EventSale                  = "Sale"
	EventListingOffer          = "ListingOffer"
	EventListingOfferCompleted = "ListingOfferCompleted"
	EventStakingOffered        = "StakingOffered"
	EventStakingOfferAccepted  = "StakingOfferAccepted"
	EventStakingOfferCancelled = "StakingOfferCancelled"
	EventRented                = "Rented"
	EventPremiumPaid           = "PremiumPaid"
	EventCollateralClaimed     = "CollateralClaimed"
	EventRentalStopped         = "RentalStopped"
	EventLock                  = "Lock"
	EventUnlock                = "Unlock"
	EventLockFailed            = "LockFailed"
	EventDividendsPaid         = "DividendsPaid"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}

// Participants returns the addresses named in the payload, used to route
// events to connected wallets.
func (e Event) Participants() []string {
	var out []string
	seen := make(map[string]bool)
	for _, key := range []string{"seller", "buyer", "bidder", "previous_bidder", "offerer", "owner", "renter", "account"} {
		v, ok := e.Payload[key].(string)
		if !ok || v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
