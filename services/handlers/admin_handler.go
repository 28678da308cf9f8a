package handlers

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/makersgate/creator_api/dto"
	"github.com/makersgate/creator_api/shared"
)

type AdminHandler struct {
	attemptStore AttemptStoreInterface
}

func NewAdminHandler(attemptStore AttemptStoreInterface) *AdminHandler {
	return &AdminHandler{attemptStore: attemptStore}
}

// @Summary List fulfillment attempts
// @Description Page through the append-only fulfillment attempt ledger
// @Tags admin
// @Produce json
// @Security Bearer
// @Param page query int false "Page number" default(1)
// @Param limit query int false "Page size" default(50)
// @Success 200 {object} shared.Response{data=dto.AttemptListResponse}
// @Router /api/v1/admin/fulfillments [get]
func (h *AdminHandler) ListFulfillmentAttempts(c *fiber.Ctx) error {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "50"))

	attempts, total, err := h.attemptStore.ListAttempts(page, limit)
	if err != nil {
		return err
	}

	resp := dto.AttemptListResponse{
		Attempts: make([]dto.AttemptInfo, 0, len(attempts)),
		Page:     page,
		Limit:    limit,
		Total:    total,
	}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, dto.AttemptInfo{
			ID:         a.ID,
			SessionID:  a.SessionID,
			PaymentRef: a.PaymentRef,
			AssetID:    a.AssetID,
			MerchantID: a.MerchantID,
			Email:      a.Email,
			Status:     a.Status,
			Error:      a.Error,
			CreatedAt:  a.CreatedAt,
		})
	}

	return shared.ResponseJSON(c, http.StatusOK, "Success", resp)
}
