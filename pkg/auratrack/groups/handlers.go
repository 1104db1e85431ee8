package groups

import (
	"net/http"
	"strconv"

	"github.com/aurahq/auratrack/pkg/auratrack/auth"
	"github.com/aurahq/auratrack/pkg/auratrack/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Handler handles group-related requests
type Handler struct {
	db *gorm.DB
}

// NewHandler creates a new groups handler
func NewHandler(db *gorm.DB) *Handler {
	return &Handler{db: db}
}

// CreateGroupRequest represents the request to create a group
type CreateGroupRequest struct {
	Name string `json:"name" binding:"required"`
}

// JoinGroupRequest represents the request to join a group by invite code
type JoinGroupRequest struct {
	InviteCode string `json:"invite_code" binding:"required"`
}

// GroupResponse represents a group in API responses
type GroupResponse struct {
	ID          uint   `json:"id"`
	Name        string `json:"name"`
	OwnerID     uint   `json:"owner_id"`
	InviteCode  string `json:"invite_code,omitempty"`
	IsFrozen    bool   `json:"is_frozen"`
	MemberCount int    `json:"member_count,omitempty"`
}

// newInviteCode generates a short shareable invite code
func newInviteCode() string {
	return uuid.NewString()[:8]
}

// List returns all groups the current user is a member of
// @Summary List groups
// @Description Get all groups the current user is a member of
// @Tags groups
// @Produce json
// @Success 200 {array} GroupResponse
// @Security BearerAuth
// @Router /groups [get]
func (h *Handler) List(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	var memberships []models.GroupMembership
	if err := h.db.Preload("Group").Where("user_id = ?", userID).Find(&memberships).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch groups"})
		return
	}

	groups := make([]GroupResponse, len(memberships))
	for i, m := range memberships {
		var memberCount int64
		h.db.Model(&models.GroupMembership{}).Where("group_id = ?", m.GroupID).Count(&memberCount)

		groups[i] = GroupResponse{
			ID:          m.Group.ID,
			Name:        m.Group.Name,
			OwnerID:     m.Group.OwnerID,
			InviteCode:  m.Group.InviteCode,
			IsFrozen:    m.Group.IsFrozen,
			MemberCount: int(memberCount),
		}
	}

	c.JSON(http.StatusOK, groups)
}

// Create creates a new group with the current user as owner and first member
// @Summary Create a group
// @Description Create a new group; the creator becomes owner and first member
// @Tags groups
// @Accept json
// @Produce json
// @Param request body CreateGroupRequest true "Group details"
// @Success 201 {object} GroupResponse
// @Failure 400 {object} map[string]string "Validation error"
// @Security BearerAuth
// @Router /groups [post]
func (h *Handler) Create(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Create group and owner membership in a transaction
	var group models.Group
	err := h.db.Transaction(func(tx *gorm.DB) error {
		group = models.Group{
			Name:       req.Name,
			OwnerID:    userID,
			InviteCode: newInviteCode(),
		}
		if err := tx.Create(&group).Error; err != nil {
			return err
		}

		membership := models.GroupMembership{
			UserID:  userID,
			GroupID: group.ID,
		}
		return tx.Create(&membership).Error
	})

	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create group"})
		return
	}

	c.JSON(http.StatusCreated, GroupResponse{
		ID:          group.ID,
		Name:        group.Name,
		OwnerID:     group.OwnerID,
		InviteCode:  group.InviteCode,
		IsFrozen:    group.IsFrozen,
		MemberCount: 1,
	})
}

// Get returns a specific group
// @Summary Get a group
// @Description Get details of a specific group
// @Tags groups
// @Produce json
// @Param id path int true "Group ID"
// @Success 200 {object} GroupResponse
// @Failure 404 {object} map[string]string "Group not found"
// @Security BearerAuth
// @Router /groups/{id} [get]
func (h *Handler) Get(c *gin.Context) {
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

	var group models.Group
	if err := h.db.First(&group, groupID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Group not found"})
		return
	}

	var memberCount int64
	h.db.Model(&models.GroupMembership{}).Where("group_id = ?", groupID).Count(&memberCount)

	c.JSON(http.StatusOK, GroupResponse{
		ID:          group.ID,
		Name:        group.Name,
		OwnerID:     group.OwnerID,
		InviteCode:  group.InviteCode,
		IsFrozen:    group.IsFrozen,
		MemberCount: int(memberCount),
	})
}

// Join adds the current user to a group by invite code
// @Summary Join a group
// @Description Join a group using its invite code
// @Tags groups
// @Accept json
// @Produce json
// @Param request body JoinGroupRequest true "Invite code"
// @Success 200 {object} GroupResponse
// @Failure 404 {object} map[string]string "Unknown invite code"
// @Failure 409 {object} map[string]string "Already a member"
// @Security BearerAuth
// @Router /groups/join [post]
func (h *Handler) Join(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	var req JoinGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var group models.Group
	if err := h.db.Where("invite_code = ?", req.InviteCode).First(&group).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Group not found"})
		return
	}

	var existing models.GroupMembership
	if err := h.db.Where("user_id = ? AND group_id = ?", userID, group.ID).First(&existing).Error; err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Already a member"})
		return
	}

	membership := models.GroupMembership{
		UserID:  userID,
		GroupID: group.ID,
	}
	if err := h.db.Create(&membership).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to join group"})
		return
	}

	var memberCount int64
	h.db.Model(&models.GroupMembership{}).Where("group_id = ?", group.ID).Count(&memberCount)

	c.JSON(http.StatusOK, GroupResponse{
		ID:          group.ID,
		Name:        group.Name,
		OwnerID:     group.OwnerID,
		IsFrozen:    group.IsFrozen,
		MemberCount: int(memberCount),
	})
}

// RegisterRoutes registers group routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("", h.List)
	rg.POST("", h.Create)
	rg.POST("/join", h.Join)
	rg.GET("/:id", h.Get)
}
