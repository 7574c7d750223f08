package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/postpilot/postpilot/internal/repository"
)

type AccountHandler struct {
	sa repository.SocialAccountRepository
}

func NewAccountHandler(sa repository.SocialAccountRepository) *AccountHandler {
	return &AccountHandler{sa: sa}
}

func (h *AccountHandler) ListAccounts(c *fiber.Ctx) error {
	userID := GetUserID(c)

	accounts, err := h.sa.ListInfoByUserID(c.Context(), userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Unable to list accounts",
		})
	}
	return c.Status(fiber.StatusOK).JSON(accounts)
}

func (h *AccountHandler) RemoveAccount(c *fiber.Ctx) error {
	userID := GetUserID(c)
	accountID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid account id",
		})
	}

	isOwner, err := h.sa.CheckByUserID(c.Context(), int64(accountID), userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Unable to verify account",
		})
	}
	if !isOwner {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Account doesn't exist",
		})
	}

	if err := h.sa.Remove(c.Context(), int64(accountID)); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Unable to remove account",
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Account removed successfully",
	})
}
