package groups

import (
	"net/http"
	"strconv"

	"github.com/aurahq/auratrack/pkg/auratrack/auth"
	"github.com/aurahq/auratrack/pkg/auratrack/models"
	"github.com/gin-gonic/gin"
)

// MemberResponse represents a group member in API responses
type MemberResponse struct {
	ID    uint   `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Aura  int    `json:"aura"`
}

// ListMembers returns all members of a group
// @Summary List group members
// @Description Get all members of a group with their current aura
// @Tags groups
// @Produce json
// @Param id path int true "Group ID"
// @Success 200 {array} MemberResponse
// @Failure 404 {object} map[string]string "Group not found"
// @Security BearerAuth
// @Router /groups/{id}/members [get]
func (h *Handler) ListMembers(c *gin.Context) {
	userID, _ := auth.GetUserID(c)
	role, _ := auth.GetRole(c)

	groupID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid group ID"})
		return
	}

	if !auth.HasGroupAccess(h.db, userID, role, uint(groupID)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Group not found"})
		return
	}

	var memberships []models.GroupMembership
	if err := h.db.Preload("User").Where("group_id = ?", groupID).Find(&memberships).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch members"})
		return
	}

	members := make([]MemberResponse, len(memberships))
	for i, m := range memberships {
		members[i] = MemberResponse{
			ID:    m.User.ID,
			Name:  m.User.Name,
			Email: m.User.Email,
			Aura:  m.User.Aura,
		}
	}

	c.JSON(http.StatusOK, members)
}

// Leaderboard returns a group's members ranked by aura, highest first
// @Summary Group leaderboard
// @Description Get group members ordered by aura descending
// @Tags groups
// @Produce json
// @Param id path int true "Group ID"
// @Success 200 {array} MemberResponse
// @Failure 404 {object} map[string]string "Group not found"
// @Security BearerAuth
// @Router /groups/{id}/leaderboard [get]
func (h *Handler) Leaderboard(c *gin.Context) {
	userID, _ := auth.GetUserID(c)
	role, _ := auth.GetRole(c)

	groupID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid group ID"})
		return
	}

	if !auth.HasGroupAccess(h.db, userID, role, uint(groupID)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Group not found"})
		return
	}

	var memberships []models.GroupMembership
	if err := h.db.Preload("User").
		Joins("JOIN users ON users.id = group_memberships.user_id").
		Where("group_memberships.group_id = ?", groupID).
		Order("users.aura DESC").
		Find(&memberships).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch leaderboard"})
		return
	}

	members := make([]MemberResponse, len(memberships))
	for i, m := range memberships {
		members[i] = MemberResponse{
			ID:    m.User.ID,
			Name:  m.User.Name,
			Email: m.User.Email,
			Aura:  m.User.Aura,
		}
	}

	c.JSON(http.StatusOK, members)
}

// RegisterMemberRoutes registers member listing routes
func (h *Handler) RegisterMemberRoutes(rg *gin.RouterGroup) {
	rg.GET("/:id/members", h.ListMembers)
	rg.GET("/:id/leaderboard", h.Leaderboard)
}
