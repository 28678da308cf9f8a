package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/makersgate/creator_api/shared"
)

type AssetHandler struct {
	assetSvc AssetServiceInterface
}

func NewAssetHandler(assetSvc AssetServiceInterface) *AssetHandler {
	return &AssetHandler{assetSvc: assetSvc}
}

// @Summary Download a purchased asset
// @Description Returns a short-lived presigned URL for an asset the account owns
// @Tags assets
// @Produce json
// @Security Bearer
// @Param assetId path string true "Asset ID"
// @Success 200 {object} shared.Response{data=dto.AssetDownloadResponse}
// @Router /api/v1/assets/{assetId}/download [get]
func (h *AssetHandler) DownloadAsset(c *fiber.Ctx) error {
	accountID, _ := c.Locals(shared.UserID).(string)
	assetID := c.Params("assetId")

	if assetID == "" {
		return shared.ResponseBadRequest(c, "Missing asset id")
	}

	resp, err := h.assetSvc.GetDownloadURL(accountID, assetID)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Success", resp)
}
