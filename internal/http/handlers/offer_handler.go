package handlers

import (
	"github.com/RedDuck-Software/Undas.Contracts/internal/http/dto"
	"github.com/RedDuck-Software/Undas.Contracts/internal/services"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type OfferHandler struct {
	market *services.Marketplace
	log    *zap.Logger
}

func NewOfferHandler(market *services.Marketplace, log *zap.Logger) *OfferHandler {
	return &OfferHandler{market: market, log: log}
}

func (h *OfferHandler) MakeOffer(c *fiber.Ctx) error {
	id, err := listingID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req dto.ListingOfferRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	msg, err := callMsg(c, req.Value)
	if err != nil {
		return badRequest(c, err.Error())
	}

	o, err := h.market.ListingOffer(c.UserContext(), msg, id, mustEther(req.Amount))
	if err != nil {
		return marketError(c, h.log, err)
	}
	return created(c, o)
}

func (h *OfferHandler) AcceptOffer(c *fiber.Ctx) error {
	id, err := listingID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req dto.AcceptOfferRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	msg, _ := callMsg(c, "")

	o, err := h.market.AcceptListingOffer(c.UserContext(), msg, id, common.HexToAddress(req.Offerer))
	if err != nil {
		return marketError(c, h.log, err)
	}
	return ok(c, o)
}

func (h *OfferHandler) CancelOffer(c *fiber.Ctx) error {
	id, err := listingID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	msg, _ := callMsg(c, "")
	o, err := h.market.CancelListingOffer(c.UserContext(), msg, id)
	if err != nil {
		return marketError(c, h.log, err)
	}
	return ok(c, o)
}

func (h *OfferHandler) ListOffers(c *fiber.Ctx) error {
	id, err := listingID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	return ok(c, h.market.ListOffers(c.UserContext(), id))
}
