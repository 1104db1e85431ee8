package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/aurahq/auratrack/pkg/auratrack/auth"
	"github.com/aurahq/auratrack/pkg/auratrack/history"
	"github.com/aurahq/auratrack/pkg/auratrack/incidents"
	"github.com/aurahq/auratrack/pkg/auratrack/models"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Handler handles admin requests
type Handler struct {
	db *gorm.DB
}

// NewHandler creates a new admin handler
func NewHandler(db *gorm.DB) *Handler {
	return &Handler{db: db}
}

// UserResponse represents user data in admin responses
type UserResponse struct {
	ID         uint   `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Aura       int    `json:"aura"`
	Role       string `json:"role"`
	CreatedAt  string `json:"created_at"`
	GroupCount int64  `json:"group_count"`
}

// UpdateUserRequest represents the request to update a user.
// Both fields are optional; a changed aura appends a ledger entry.
type UpdateUserRequest struct {
	Aura *int    `json:"aura"`
	Role *string `json:"role"`
}

// OverrideResponse reports the aura delta applied by a forced validation
type OverrideResponse struct {
	Delta  int    `json:"delta"`
	Status string `json:"status"`
}

// BackfillResponse reports the outcome of a ledger backfill run
type BackfillResponse struct {
	CreatedCount int `json:"created_count"`
	ScannedCount int `json:"scanned_count"`
}

// FreezeGroupRequest represents the request to freeze or thaw a group
type FreezeGroupRequest struct {
	IsFrozen *bool `json:"is_frozen" binding:"required"`
}

// StatsResponse represents system statistics
type StatsResponse struct {
	TotalUsers         int64 `json:"total_users"`
	TotalGroups        int64 `json:"total_groups"`
	FrozenGroups       int64 `json:"frozen_groups"`
	TotalIncidents     int64 `json:"total_incidents"`
	PendingIncidents   int64 `json:"pending_incidents"`
	ValidatedIncidents int64 `json:"validated_incidents"`
	ExpiredIncidents   int64 `json:"expired_incidents"`
	TotalVotes         int64 `json:"total_votes"`
	LedgerEntries      int64 `json:"ledger_entries"`
	AdminUsers         int64 `json:"admin_users"`
}

func (h *Handler) userResponse(user *models.User) UserResponse {
	var groupCount int64
	h.db.Model(&models.GroupMembership{}).Where("user_id = ?", user.ID).Count(&groupCount)

	return UserResponse{
		ID:         user.ID,
		Email:      user.Email,
		Name:       user.Name,
		Aura:       user.Aura,
		Role:       string(user.Role),
		CreatedAt:  user.CreatedAt.Format("2006-01-02T15:04:05Z"),
		GroupCount: groupCount,
	}
}

// ListUsers returns all users (admin only)
// @Summary List users
// @Description Get all users, optionally filtered by search or role
// @Tags admin
// @Produce json
// @Success 200 {array} UserResponse
// @Security BearerAuth
// @Router /admin/users [get]
func (h *Handler) ListUsers(c *gin.Context) {
	var users []models.User

	query := h.db.Order("created_at DESC")

	// Optional search by email or name
	if search := c.Query("q"); search != "" {
		query = query.Where("email LIKE ? OR name LIKE ?", "%"+search+"%", "%"+search+"%")
	}

	// Optional filter by role
	if role := c.Query("role"); role != "" {
		query = query.Where("role = ?", role)
	}

	if err := query.Find(&users).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch users"})
		return
	}

	responses := make([]UserResponse, len(users))
	for i := range users {
		responses[i] = h.userResponse(&users[i])
	}

	c.JSON(http.StatusOK, responses)
}

// GetUser returns a single user by ID (admin only)
// @Summary Get a user
// @Description Get a single user's details
// @Tags admin
// @Produce json
// @Param id path int true "User ID"
// @Success 200 {object} UserResponse
// @Failure 404 {object} map[string]string "User not found"
// @Security BearerAuth
// @Router /admin/users/{id} [get]
func (h *Handler) GetUser(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	var user models.User
	if err := h.db.First(&user, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	c.JSON(http.StatusOK, h.userResponse(&user))
}

// UpdateUser updates a user's aura and/or role (admin only).
// An aura overwrite appends an "Admin Manual Update" ledger entry with
// delta = new - old so the ledger keeps matching the stored balance.
// @Summary Update a user
// @Description Manually set a user's aura and/or role; aura changes are recorded in the ledger
// @Tags admin
// @Accept json
// @Produce json
// @Param id path int true "User ID"
// @Param request body UpdateUserRequest true "Fields to update"
// @Success 200 {object} UserResponse
// @Failure 400 {object} map[string]string "Validation error"
// @Failure 404 {object} map[string]string "User not found"
// @Security BearerAuth
// @Router /admin/users/{id} [put]
func (h *Handler) UpdateUser(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	var req UpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Role != nil && *req.Role != string(models.RoleAdmin) && *req.Role != string(models.RoleUser) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid role"})
		return
	}

	// Prevent admin from demoting themselves
	currentUserID, _ := auth.GetUserID(c)
	if uint(id) == currentUserID && req.Role != nil && *req.Role != string(models.RoleAdmin) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot demote yourself"})
		return
	}

	var user models.User
	err = h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&user, id).Error; err != nil {
			return err
		}

		updates := make(map[string]interface{})
		if req.Role != nil {
			updates["role"] = *req.Role
		}
		if req.Aura != nil && *req.Aura != user.Aura {
			delta := *req.Aura - user.Aura
			entry := models.AuraHistory{
				UserID: user.ID,
				Delta:  delta,
				Reason: models.ReasonManualUpdate,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
			updates["aura"] = *req.Aura
		}

		if len(updates) > 0 {
			if err := tx.Model(&user).Updates(updates).Error; err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update user"})
		return
	}

	// Reload user
	h.db.First(&user, id)

	c.JSON(http.StatusOK, h.userResponse(&user))
}

// GetUserHistory returns a user's aura ledger (admin only)
// @Summary Get a user's aura history
// @Description Get any user's aura ledger, newest first
// @Tags admin
// @Produce json
// @Param id path int true "User ID"
// @Success 200 {object} history.ListResponse
// @Failure 404 {object} map[string]string "User not found"
// @Security BearerAuth
// @Router /admin/users/{id}/history [get]
func (h *Handler) GetUserHistory(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	resp, err := history.ListForUser(h.db, uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch history"})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ListIncidents returns all incidents (admin only)
// @Summary List incidents
// @Description Get all incidents, optionally filtered by status or group
// @Tags admin
// @Produce json
// @Success 200 {array} models.Incident
// @Security BearerAuth
// @Router /admin/incidents [get]
func (h *Handler) ListIncidents(c *gin.Context) {
	query := h.db.Order("created_at DESC")

	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if groupID := c.Query("group_id"); groupID != "" {
		query = query.Where("group_id = ?", groupID)
	}

	var list []models.Incident
	if err := query.Find(&list).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch incidents"})
		return
	}

	c.JSON(http.StatusOK, list)
}

// OverrideIncident force-validates a PENDING incident (admin only).
// Runs the same settlement as an organic validation but tagged as an
// admin override; a non-PENDING incident is rejected, never no-oped.
// @Summary Force-validate an incident
// @Description Force a pending incident to VALIDATED and settle its aura effect
// @Tags admin
// @Produce json
// @Param id path int true "Incident ID"
// @Success 200 {object} OverrideResponse
// @Failure 404 {object} map[string]string "Incident not found"
// @Failure 409 {object} map[string]string "Incident is not pending"
// @Security BearerAuth
// @Router /admin/incidents/{id}/override [post]
func (h *Handler) OverrideIncident(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid incident ID"})
		return
	}

	var incident models.Incident
	if err := h.db.First(&incident, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": incidents.ErrIncidentNotFound.Error()})
		return
	}

	if incident.Status != models.IncidentPending {
		c.JSON(http.StatusConflict, gin.H{"error": incidents.ErrIncidentClosed.Error()})
		return
	}

	err = h.db.Transaction(func(tx *gorm.DB) error {
		return incidents.Settle(tx, &incident, models.ReasonOverridePrefix+incident.Title)
	})
	if err != nil {
		if errors.Is(err, incidents.ErrIncidentClosed) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to override incident"})
		return
	}

	c.JSON(http.StatusOK, OverrideResponse{
		Delta:  incident.Category.AuraDelta(),
		Status: string(incident.Status),
	})
}

// ExpireIncident force-expires an incident (admin only).
// Unconditional and irreversible; no aura effect.
// @Summary Force-expire an incident
// @Description Set an incident's status to EXPIRED regardless of votes
// @Tags admin
// @Produce json
// @Param id path int true "Incident ID"
// @Success 200 {object} models.Incident
// @Failure 404 {object} map[string]string "Incident not found"
// @Security BearerAuth
// @Router /admin/incidents/{id}/expire [post]
func (h *Handler) ExpireIncident(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid incident ID"})
		return
	}

	var incident models.Incident
	if err := h.db.First(&incident, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": incidents.ErrIncidentNotFound.Error()})
		return
	}

	if err := h.db.Model(&incident).Update("status", models.IncidentExpired).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to expire incident"})
		return
	}

	c.JSON(http.StatusOK, incident)
}

// Backfill repairs the ledger for VALIDATED incidents that are missing
// their history row, backdating each synthesized entry to the incident's
// creation time. Idempotent: a second run creates nothing.
// @Summary Backfill missing ledger entries
// @Description Create missing aura history rows for validated incidents
// @Tags admin
// @Produce json
// @Success 200 {object} BackfillResponse
// @Security BearerAuth
// @Router /admin/backfill [post]
func (h *Handler) Backfill(c *gin.Context) {
	var validated []models.Incident
	if err := h.db.Where("status = ?", models.IncidentValidated).Find(&validated).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to scan incidents"})
		return
	}

	created := 0
	err := h.db.Transaction(func(tx *gorm.DB) error {
		for i := range validated {
			incident := &validated[i]

			var count int64
			if err := tx.Model(&models.AuraHistory{}).
				Where("incident_id = ?", incident.ID).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				continue
			}

			entry := models.AuraHistory{
				UserID:     incident.TargetUserID,
				IncidentID: &incident.ID,
				GroupID:    &incident.GroupID,
				Delta:      incident.Category.AuraDelta(),
				Reason:     models.ReasonIncidentPrefix + incident.Title,
				CreatedAt:  incident.CreatedAt,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to backfill history"})
		return
	}

	c.JSON(http.StatusOK, BackfillResponse{
		CreatedCount: created,
		ScannedCount: len(validated),
	})
}

// FreezeGroup freezes or thaws a group (admin only).
// A frozen group rejects new incidents and votes; terminal incidents
// are unaffected.
// @Summary Freeze or thaw a group
// @Description Toggle a group's frozen flag
// @Tags admin
// @Accept json
// @Produce json
// @Param id path int true "Group ID"
// @Param request body FreezeGroupRequest true "Frozen flag"
// @Success 200 {object} models.Group
// @Failure 404 {object} map[string]string "Group not found"
// @Security BearerAuth
// @Router /admin/groups/{id}/freeze [post]
func (h *Handler) FreezeGroup(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid group ID"})
		return
	}

	var req FreezeGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var group models.Group
	if err := h.db.First(&group, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Group not found"})
		return
	}

	if err := h.db.Model(&group).Update("is_frozen", *req.IsFrozen).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update group"})
		return
	}

	c.JSON(http.StatusOK, group)
}

// GetStats returns system-wide statistics (admin only)
// @Summary Get system stats
// @Description Get counts of users, groups, incidents, votes, and ledger entries
// @Tags admin
// @Produce json
// @Success 200 {object} StatsResponse
// @Security BearerAuth
// @Router /admin/stats [get]
func (h *Handler) GetStats(c *gin.Context) {
	var stats StatsResponse

	h.db.Model(&models.User{}).Count(&stats.TotalUsers)
	h.db.Model(&models.Group{}).Count(&stats.TotalGroups)
	h.db.Model(&models.Group{}).Where("is_frozen = ?", true).Count(&stats.FrozenGroups)
	h.db.Model(&models.Incident{}).Count(&stats.TotalIncidents)
	h.db.Model(&models.Incident{}).Where("status = ?", models.IncidentPending).Count(&stats.PendingIncidents)
	h.db.Model(&models.Incident{}).Where("status = ?", models.IncidentValidated).Count(&stats.ValidatedIncidents)
	h.db.Model(&models.Incident{}).Where("status = ?", models.IncidentExpired).Count(&stats.ExpiredIncidents)
	h.db.Model(&models.IncidentVote{}).Count(&stats.TotalVotes)
	h.db.Model(&models.AuraHistory{}).Count(&stats.LedgerEntries)
	h.db.Model(&models.User{}).Where("role = ?", models.RoleAdmin).Count(&stats.AdminUsers)

	c.JSON(http.StatusOK, stats)
}

// RegisterRoutes registers admin routes on the given router group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/stats", h.GetStats)
	rg.GET("/users", h.ListUsers)
	rg.GET("/users/:id", h.GetUser)
	rg.PUT("/users/:id", h.UpdateUser)
	rg.GET("/users/:id/history", h.GetUserHistory)
	rg.GET("/incidents", h.ListIncidents)
	rg.POST("/incidents/:id/override", h.OverrideIncident)
	rg.POST("/incidents/:id/expire", h.ExpireIncident)
	rg.POST("/backfill", h.Backfill)
	rg.POST("/groups/:id/freeze", h.FreezeGroup)
}
