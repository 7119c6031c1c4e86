package handlers

import (
	"strconv"

	"github.com/RedDuck-Software/Undas.Contracts/internal/http/dto"
	"github.com/RedDuck-Software/Undas.Contracts/internal/models"
	"github.com/RedDuck-Software/Undas.Contracts/internal/services"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type ListingHandler struct {
	market *services.Marketplace
	log    *zap.Logger
}

func NewListingHandler(market *services.Marketplace, log *zap.Logger) *ListingHandler {
	return &ListingHandler{market: market, log: log}
}

func (h *ListingHandler) CreateListing(c *fiber.Ctx) error {
	var req dto.CreateListingRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	msg, err := callMsg(c, req.Value)
	if err != nil {
		return badRequest(c, err.Error())
	}
	terms, err := rentalTerms(req.Terms)
	if err != nil {
		return badRequest(c, err.Error())
	}

	l, err := h.market.CreateListing(c.UserContext(), msg, assetRef(req.Asset), mustEther(req.Price), req.Rentable, terms)
	if err != nil {
		return marketError(c, h.log, err)
	}
	return created(c, l)
}

func (h *ListingHandler) GetListing(c *fiber.Ctx) error {
	id, err := listingID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	l, err := h.market.GetListing(c.UserContext(), id)
	if err != nil {
		return marketError(c, h.log, err)
	}
	return ok(c, fiber.Map{"listing": l, "buyable": h.market.IsBuyable(c.UserContext(), id)})
}

func (h *ListingHandler) ListListings(c *fiber.Ctx) error {
	filter := models.ListingFilter{Limit: 20}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			filter.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}
	if v := c.Query("status"); v != "" {
		filter.Status = v
	}
	if v := c.Query("seller"); v != "" {
		if !common.IsHexAddress(v) {
			return badRequest(c, "invalid seller address")
		}
		seller := common.HexToAddress(v)
		filter.Seller = &seller
	}
	return ok(c, h.market.ListListings(c.UserContext(), filter))
}

func (h *ListingHandler) Cancel(c *fiber.Ctx) error {
	id, err := listingID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	msg, _ := callMsg(c, "")
	if err := h.market.Cancel(c.UserContext(), msg, id); err != nil {
		return marketError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *ListingHandler) UpdatePrice(c *fiber.Ctx) error {
	id, err := listingID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req dto.UpdatePriceRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	msg, err := callMsg(c, req.Value)
	if err != nil {
		return badRequest(c, err.Error())
	}

	l, err := h.market.UpdatePrice(c.UserContext(), msg, id, mustEther(req.Price))
	if err != nil {
		return marketError(c, h.log, err)
	}
	return ok(c, l)
}

// Bid places a bid on an asset, listing it first when no listing is open.
func (h *ListingHandler) Bid(c *fiber.Ctx) error {
	var req dto.BidRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	msg, err := callMsg(c, req.Value)
	if err != nil {
		return badRequest(c, err.Error())
	}

	place := h.market.Bid
	if req.External {
		place = h.market.BidExternal
	}
	res, err := place(c.UserContext(), msg, assetRef(req.Asset), mustEther(req.Price))
	if err != nil {
		return marketError(c, h.log, err)
	}
	if res.Created {
		return created(c, res)
	}
	return ok(c, res)
}

func (h *ListingHandler) BidAndStake(c *fiber.Ctx) error {
	var req dto.BidAndStakeRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	msg, err := callMsg(c, req.Value)
	if err != nil {
		return badRequest(c, err.Error())
	}
	terms, err := rentalTerms(&req.Terms)
	if err != nil {
		return badRequest(c, err.Error())
	}

	l, err := h.market.BidAndStake(c.UserContext(), msg, assetRef(req.Asset), mustEther(req.Price), *terms)
	if err != nil {
		return marketError(c, h.log, err)
	}
	return created(c, l)
}

func (h *ListingHandler) Buy(c *fiber.Ctx) error {
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

	l, err := h.market.BuyToken(c.UserContext(), msg, id)
	if err != nil {
		return marketError(c, h.log, err)
	}
	return ok(c, l)
}

func (h *ListingHandler) AcceptBid(c *fiber.Ctx) error {
	id, err := listingID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	msg, _ := callMsg(c, "")
	l, err := h.market.AcceptBid(c.UserContext(), msg, id)
	if err != nil {
		return marketError(c, h.log, err)
	}
	return ok(c, l)
}
