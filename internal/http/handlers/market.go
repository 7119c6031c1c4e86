package handlers

import (
	"errors"
	"math/big"
	"strconv"

	"github.com/RedDuck-Software/Undas.Contracts/internal/http/dto"
	"github.com/RedDuck-Software/Undas.Contracts/internal/middleware"
	"github.com/RedDuck-Software/Undas.Contracts/internal/models"
	"github.com/RedDuck-Software/Undas.Contracts/internal/services"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type errorMapping struct {
	kind   error
	name   string
	status int
}

var errorMappings = []errorMapping{
	{services.ErrAuthorization, "authorization", fiber.StatusForbidden},
	{services.ErrInsufficientPayment, "insufficient_payment", fiber.StatusPaymentRequired},
	{services.ErrInsufficientFunds, "insufficient_funds", fiber.StatusPaymentRequired},
	{services.ErrNotFound, "not_found", fiber.StatusNotFound},
	{services.ErrInvalidState, "invalid_state", fiber.StatusConflict},
	{services.ErrScheduleViolation, "schedule_violation", fiber.StatusConflict},
	{services.ErrAccountingViolation, "accounting_violation", fiber.StatusUnprocessableEntity},
	{services.ErrTransferRejected, "transfer_rejected", fiber.StatusUnprocessableEntity},
}

// StatusFor maps a marketplace error onto an HTTP status and a stable kind name.
func StatusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.kind) {
			return m.status, m.name
		}
	}
	return fiber.StatusInternalServerError, ""
}

func marketError(c *fiber.Ctx, log *zap.Logger, err error) error {
	status, kind := StatusFor(err)
	reqID, _ := c.Locals(middleware.CtxRequestID).(string)
	if status == fiber.StatusInternalServerError {
		middleware.RequestLogger(c, log).Error("marketplace operation failed", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(status).JSON(dto.ErrorResponse{Error: "internal error", RequestID: reqID})
	}
	return c.Status(status).JSON(dto.ErrorResponse{Error: err.Error(), Kind: kind, RequestID: reqID})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: msg})
}

// bind parses and validates a JSON body. An empty body validates the zero request.
func bind(c *fiber.Ctx, req any) error {
	if len(c.Body()) == 0 {
		return dto.Validate(req)
	}
	if err := c.BodyParser(req); err != nil {
		return errors.New("invalid request body")
	}
	return dto.Validate(req)
}

func listingID(c *fiber.Ctx) (uint64, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid listing id")
	}
	return id, nil
}

// callMsg builds the caller context from the session wallet and the attached value.
func callMsg(c *fiber.Ctx, value string) (services.Msg, error) {
	v, err := dto.ParseOptionalEther(value)
	if err != nil {
		return services.Msg{}, err
	}
	return services.Msg{Sender: middleware.GetAddress(c), Value: v}, nil
}

func assetRef(a dto.AssetRequest) models.AssetRef {
	return models.AssetRef{Contract: common.HexToAddress(a.Contract), TokenID: a.TokenID}
}

func rentalTerms(t *dto.RentalTermsRequest) (*models.RentalTerms, error) {
	if t == nil {
		return nil, nil
	}
	collateral, err := dto.ParseEther(t.Collateral)
	if err != nil {
		return nil, err
	}
	premium, err := dto.ParseEther(t.PremiumPerPeriod)
	if err != nil {
		return nil, err
	}
	period, err := dto.ParsePeriod(t.PeriodSeconds)
	if err != nil {
		return nil, err
	}
	return &models.RentalTerms{
		Collateral:         collateral,
		PremiumPerPeriod:   premium,
		PeriodLength:       period,
		MaxPremiumPayments: t.MaxPremiumPayments,
	}, nil
}

func mustEther(s string) *big.Int {
	v, _ := dto.ParseEther(s)
	return v
}

func ok(c *fiber.Ctx, data any) error {
	return c.JSON(dto.SuccessResponse{OK: true, Data: data})
}

func created(c *fiber.Ctx, data any) error {
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: data})
}
