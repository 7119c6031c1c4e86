package handlers

import (
	"strconv"

	"github.com/RedDuck-Software/Undas.Contracts/internal/http/dto"
	"github.com/RedDuck-Software/Undas.Contracts/internal/middleware"
	"github.com/RedDuck-Software/Undas.Contracts/internal/repositories"
	"github.com/RedDuck-Software/Undas.Contracts/internal/services"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// AccountHandler serves wallet balances, asset approval and the admin
// endpoints that bring value and tokens into the marketplace.
type AccountHandler struct {
	market    *services.Marketplace
	auditRepo *repositories.AuditRepo
	log       *zap.Logger
}

func NewAccountHandler(market *services.Marketplace, auditRepo *repositories.AuditRepo, log *zap.Logger) *AccountHandler {
	return &AccountHandler{market: market, auditRepo: auditRepo, log: log}
}

func (h *AccountHandler) GetAccount(c *fiber.Ctx) error {
	addr := middleware.GetAddress(c)
	if v := c.Params("address"); v != "" {
		if !common.IsHexAddress(v) {
			return badRequest(c, "invalid address")
		}
		addr = common.HexToAddress(v)
	}

	a := h.market.Account(c.UserContext(), addr)
	return ok(c, dto.BalanceResponse{
		Address:      a.Address.Hex(),
		Balance:      dto.FormatEther(a.Balance),
		TokenBalance: dto.FormatEther(a.TokenBalance),
		Cashback:     dto.FormatEther(a.Cashback),
		Locked:       dto.FormatEther(a.Locked),
		Assets:       a.Assets,
	})
}

func (h *AccountHandler) Withdraw(c *fiber.Ctx) error {
	var req dto.TokenAmountRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	msg, _ := callMsg(c, "")
	if err := h.market.Withdraw(c.UserContext(), msg, mustEther(req.Amount)); err != nil {
		return marketError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *AccountHandler) ApproveAsset(c *fiber.Ctx) error {
	var req dto.AssetRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	msg, _ := callMsg(c, "")
	if err := h.market.ApproveAsset(c.UserContext(), msg, assetRef(req)); err != nil {
		return marketError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *AccountHandler) History(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))
	logs, err := h.auditRepo.GetByActor(c.UserContext(), middleware.GetAddress(c).Hex(), limit, offset)
	if err != nil {
		h.log.Error("audit history failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return ok(c, logs)
}

// Admin

func (h *AccountHandler) Deposit(c *fiber.Ctx) error {
	var req dto.DepositRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	msg, _ := callMsg(c, "")
	if err := h.market.Deposit(c.UserContext(), msg, common.HexToAddress(req.To), mustEther(req.Amount)); err != nil {
		return marketError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *AccountHandler) MintAsset(c *fiber.Ctx) error {
	var req dto.MintAssetRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	msg, _ := callMsg(c, "")
	if err := h.market.MintAsset(c.UserContext(), msg, assetRef(req.Asset), common.HexToAddress(req.Owner)); err != nil {
		return marketError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true})
}

func (h *AccountHandler) MintTokens(c *fiber.Ctx) error {
	var req dto.DepositRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	msg, _ := callMsg(c, "")
	if err := h.market.MintTokens(c.UserContext(), msg, common.HexToAddress(req.To), mustEther(req.Amount)); err != nil {
		return marketError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *AccountHandler) EntityHistory(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))
	logs, err := h.auditRepo.GetByEntity(c.UserContext(), c.Params("type"), c.Params("id"), limit, offset)
	if err != nil {
		h.log.Error("audit lookup failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return ok(c, logs)
}
