package handlers

import (
	"github.com/RedDuck-Software/Undas.Contracts/internal/http/dto"
	"github.com/RedDuck-Software/Undas.Contracts/internal/middleware"
	"github.com/RedDuck-Software/Undas.Contracts/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type DividendHandler struct {
	market *services.Marketplace
	log    *zap.Logger
}

func NewDividendHandler(market *services.Marketplace, log *zap.Logger) *DividendHandler {
	return &DividendHandler{market: market, log: log}
}

func (h *DividendHandler) Lock(c *fiber.Ctx) error {
	var req dto.TokenAmountRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	msg, _ := callMsg(c, "")

	res, err := h.market.LockTokens(c.UserContext(), msg, mustEther(req.Amount))
	if err != nil {
		return marketError(c, h.log, err)
	}
	if !res.Locked {
		return c.Status(fiber.StatusAccepted).JSON(dto.SuccessResponse{OK: false, Data: res})
	}
	return ok(c, res)
}

func (h *DividendHandler) Unlock(c *fiber.Ctx) error {
	var req dto.TokenAmountRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	msg, _ := callMsg(c, "")

	stake, err := h.market.UnlockTokens(c.UserContext(), msg, mustEther(req.Amount))
	if err != nil {
		return marketError(c, h.log, err)
	}
	return ok(c, stake)
}

func (h *DividendHandler) Claim(c *fiber.Ctx) error {
	msg, _ := callMsg(c, "")
	paid, err := h.market.ClaimDividends(c.UserContext(), msg)
	if err != nil {
		return marketError(c, h.log, err)
	}
	return ok(c, dto.AmountResponse{Amount: dto.FormatEther(paid)})
}

func (h *DividendHandler) Stake(c *fiber.Ctx) error {
	stake := h.market.LockedStake(c.UserContext(), middleware.GetAddress(c))
	if stake == nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "no locked tokens"})
	}
	return ok(c, stake)
}

func (h *DividendHandler) Cashback(c *fiber.Ctx) error {
	v := h.market.TokenCashback(c.UserContext(), middleware.GetAddress(c))
	return ok(c, dto.AmountResponse{Amount: dto.FormatEther(v)})
}

// Epoch is public: the current epoch with its claim window and frozen pool.
func (h *DividendHandler) Epoch(c *fiber.Ctx) error {
	pool, frozen := h.market.FeePool(c.UserContext())
	return ok(c, dto.FeePoolResponse{
		FeePool:   dto.FormatEther(pool),
		EpochPool: dto.FormatEther(frozen),
		Epoch:     h.market.CurrentEpoch(c.UserContext()),
	})
}
