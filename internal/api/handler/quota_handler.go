package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/publishing-worker/internal/api/dto"
	"github.com/cuongbtq/publishing-worker/internal/domain"
)

// GetQuotaGroup handles GET /api/v1/quota-groups/:group_id
func (h *QuotaHandler) GetQuotaGroup(c *gin.Context) {
	groupID, ok := parseID(c, "group_id")
	if !ok {
		return
	}

	group, err := h.store.GetQuotaGroup(c.Request.Context(), groupID)
	if errors.Is(err, domain.ErrQuotaGroupNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Quota group not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get quota group", slog.Int64("quota_group_id", groupID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get quota group"})
		return
	}

	c.JSON(http.StatusOK, toQuotaGroupDTO(group))
}

// ReconcileQuotaGroup handles POST /api/v1/quota-groups/:group_id/reconcile
// Resets current_concurrent to the number of posts actually running.
func (h *QuotaHandler) ReconcileQuotaGroup(c *gin.Context) {
	groupID, ok := parseID(c, "group_id")
	if !ok {
		return
	}

	running, err := h.quota.Reconcile(c.Request.Context(), groupID)
	if errors.Is(err, domain.ErrQuotaGroupNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Quota group not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to reconcile quota group", slog.Int64("quota_group_id", groupID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reconcile quota group"})
		return
	}

	h.logger.Info("Quota group reconciled",
		slog.Int64("quota_group_id", groupID),
		slog.Int("current_concurrent", running),
	)
	c.JSON(http.StatusOK, dto.ReconcileResponse{
		QuotaGroupID:      groupID,
		CurrentConcurrent: running,
	})
}
