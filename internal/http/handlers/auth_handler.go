package handlers

import (
	"errors"

	"github.com/RedDuck-Software/Undas.Contracts/internal/auth"
	"github.com/RedDuck-Software/Undas.Contracts/internal/config"
	"github.com/RedDuck-Software/Undas.Contracts/internal/http/dto"
	"github.com/RedDuck-Software/Undas.Contracts/internal/repositories"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type AuthHandler struct {
	userRepo  *repositories.UserRepo
	nonceRepo *repositories.NonceRepo
	cfg       *config.Config
	log       *zap.Logger
}

func NewAuthHandler(userRepo *repositories.UserRepo, nonceRepo *repositories.NonceRepo, cfg *config.Config, log *zap.Logger) *AuthHandler {
	return &AuthHandler{userRepo: userRepo, nonceRepo: nonceRepo, cfg: cfg, log: log}
}

// Nonce issues the message the wallet must sign to log in.
func (h *AuthHandler) Nonce(c *fiber.Ctx) error {
	var req dto.NonceRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	nonce, err := auth.NewNonce()
	if err != nil {
		h.log.Error("failed to generate nonce", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal server error"})
	}
	addr := common.HexToAddress(req.Address)
	if err := h.nonceRepo.Put(c.UserContext(), addr.Hex(), nonce); err != nil {
		h.log.Error("failed to store nonce", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal server error"})
	}

	return c.JSON(dto.NonceResponse{Nonce: nonce, Message: auth.LoginMessage(nonce)})
}

// Login verifies the signed nonce and issues a session token.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req dto.LoginRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	addr := common.HexToAddress(req.Address)

	nonce, err := h.nonceRepo.Take(c.UserContext(), addr.Hex())
	if errors.Is(err, repositories.ErrNonceNotFound) {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	if err != nil {
		h.log.Error("failed to load nonce", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal server error"})
	}

	if err := auth.VerifyPersonalSignature(auth.LoginMessage(nonce), req.Signature, addr); err != nil {
		h.log.Debug("signature verification failed", zap.String("address", addr.Hex()), zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "invalid signature"})
	}

	user, err := h.userRepo.UpsertByAddress(c.UserContext(), addr.Hex())
	if err != nil {
		h.log.Error("failed to upsert user", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal server error"})
	}

	token, err := auth.GenerateJWT(h.cfg.JWTSecret, user.ID, addr, h.cfg.JWTExpiration)
	if err != nil {
		h.log.Error("failed to generate jwt", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal server error"})
	}

	return c.JSON(dto.AuthResponse{
		Token: token,
		User:  user,
	})
}
