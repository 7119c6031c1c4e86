package handlers

import (
	"github.com/RedDuck-Software/Undas.Contracts/internal/http/dto"
	"github.com/RedDuck-Software/Undas.Contracts/internal/services"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// RentalHandler serves direct rentals and negotiated staking offers.
type RentalHandler struct {
	market *services.Marketplace
	log    *zap.Logger
}

func NewRentalHandler(market *services.Marketplace, log *zap.Logger) *RentalHandler {
	return &RentalHandler{market: market, log: log}
}

func (h *RentalHandler) Rent(c *fiber.Ctx) error {
	id, err := listingID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req dto.RentRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	msg, err := callMsg(c, req.Value)
	if err != nil {
		return badRequest(c, err.Error())
	}

	ra, err := h.market.RentNFT(c.UserContext(), msg, id, req.Periods)
	if err != nil {
		return marketError(c, h.log, err)
	}
	return created(c, ra)
}

func (h *RentalHandler) GetRental(c *fiber.Ctx) error {
	id, err := listingID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	ra, err := h.market.GetRental(c.UserContext(), id)
	if err != nil {
		return marketError(c, h.log, err)
	}
	return ok(c, ra)
}

func (h *RentalHandler) PaymentsDue(c *fiber.Ctx) error {
	id, err := listingID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	due, err := h.market.PaymentsDue(c.UserContext(), id)
	if err != nil {
		return marketError(c, h.log, err)
	}
	return ok(c, due)
}

func (h *RentalHandler) PayPremium(c *fiber.Ctx) error {
	id, err := listingID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req dto.PayPremiumRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	msg, err := callMsg(c, req.Value)
	if err != nil {
		return badRequest(c, err.Error())
	}

	ra, err := h.market.PayPremium(c.UserContext(), msg, id, req.Periods)
	if err != nil {
		return marketError(c, h.log, err)
	}
	return ok(c, ra)
}

func (h *RentalHandler) ClaimCollateral(c *fiber.Ctx) error {
	id, err := listingID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	msg, _ := callMsg(c, "")
	ra, err := h.market.ClaimCollateral(c.UserContext(), msg, id)
	if err != nil {
		return marketError(c, h.log, err)
	}
	return ok(c, ra)
}

func (h *RentalHandler) StopRental(c *fiber.Ctx) error {
	id, err := listingID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req dto.PaymentRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	msg, err := callMsg(c, req.Value)
	if err != nil {
		return badRequest(c, err.Error())
	}

	ra, err := h.market.StopRental(c.UserContext(), msg, id)
	if err != nil {
		return marketError(c, h.log, err)
	}
	return ok(c, ra)
}

func (h *RentalHandler) MakeStakingOffer(c *fiber.Ctx) error {
	id, err := listingID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req dto.StakingOfferRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	msg, err := callMsg(c, req.Value)
	if err != nil {
		return badRequest(c, err.Error())
	}

	o, err := h.market.StakingOffer(c.UserContext(), msg, id, mustEther(req.Collateral), mustEther(req.Premium))
	if err != nil {
		return marketError(c, h.log, err)
	}
	return created(c, o)
}

func (h *RentalHandler) AcceptStakingOffer(c *fiber.Ctx) error {
	id, err := listingID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req dto.AcceptStakingOfferRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	msg, _ := callMsg(c, "")

	ra, err := h.market.AcceptStakingOffer(c.UserContext(), msg, id, common.HexToAddress(req.Offerer), req.Periods)
	if err != nil {
		return marketError(c, h.log, err)
	}
	return ok(c, ra)
}

func (h *RentalHandler) CancelStakingOffer(c *fiber.Ctx) error {
	id, err := listingID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	msg, _ := callMsg(c, "")
	o, err := h.market.CancelStakingOffer(c.UserContext(), msg, id)
	if err != nil {
		return marketError(c, h.log, err)
	}
	return ok(c, o)
}

func (h *RentalHandler) ListStakingOffers(c *fiber.Ctx) error {
	id, err := listingID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	return ok(c, h.market.ListStakingOffers(c.UserContext(), id))
}
