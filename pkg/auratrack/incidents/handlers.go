package incidents

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aurahq/auratrack/pkg/auratrack/auth"
	"github.com/aurahq/auratrack/pkg/auratrack/models"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Handler handles incident-related requests
type Handler struct {
	db *gorm.DB
}

// NewHandler creates a new incidents handler
func NewHandler(db *gorm.DB) *Handler {
	return &Handler{db: db}
}

// CreateIncidentRequest represents the request to create an incident
type CreateIncidentRequest struct {
	GroupID      uint   `json:"group_id" binding:"required"`
	TargetUserID uint   `json:"target_user_id" binding:"required"`
	Category     string `json:"category" binding:"required"`
	Title        string `json:"title" binding:"required"`
	Description  string `json:"description"`
}

// VoteRequest represents the request to vote on an incident
type VoteRequest struct {
	VoteType string `json:"vote_type" binding:"required,oneof=APPROVE DISAPPROVE"`
}

// VoteResponse reports the outcome of a vote
type VoteResponse struct {
	Accepted bool   `json:"accepted"`
	Status   string `json:"status"`
}

// IncidentResponse represents an incident in API responses
type IncidentResponse struct {
	ID            uint      `json:"id"`
	GroupID       uint      `json:"group_id"`
	CreatedByID   uint      `json:"created_by_id"`
	TargetUserID  uint      `json:"target_user_id"`
	Category      string    `json:"category"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Status        string    `json:"status"`
	RequiredVotes int       `json:"required_votes"`
	Approvals     int64     `json:"approvals"`
	Disapprovals  int64     `json:"disapprovals"`
	MyVote        string    `json:"my_vote,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// errStatus maps domain errors to HTTP statuses. Admission caps and the
// cooldown are 429 so clients know to wait; state conflicts are 409.
func errStatus(err error) int {
	switch {
	case errors.Is(err, ErrIncidentNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrGroupFrozen),
		errors.Is(err, ErrNotGroupMember),
		errors.Is(err, ErrTargetCannotVote):
		return http.StatusForbidden
	case errors.Is(err, ErrDailyLimit),
		errors.Is(err, ErrGainLimit),
		errors.Is(err, ErrLossLimit),
		errors.Is(err, ErrTargetCooldown):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrAlreadyVoted),
		errors.Is(err, ErrIncidentClosed):
		return http.StatusConflict
	case errors.Is(err, ErrTargetNotMember),
		errors.Is(err, ErrIncidentExpired):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondError(c *gin.Context, err error, fallback string) {
	status := errStatus(err)
	if status == http.StatusInternalServerError {
		c.JSON(status, gin.H{"error": fallback})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *Handler) incidentResponse(incident *models.Incident, userID uint) IncidentResponse {
	var approvals, disapprovals int64
	h.db.Model(&models.IncidentVote{}).
		Where("incident_id = ? AND vote_type = ?", incident.ID, models.VoteApprove).Count(&approvals)
	h.db.Model(&models.IncidentVote{}).
		Where("incident_id = ? AND vote_type = ?", incident.ID, models.VoteDisapprove).Count(&disapprovals)

	var myVote models.IncidentVote
	myVoteType := ""
	if err := h.db.Where("incident_id = ? AND user_id = ?", incident.ID, userID).First(&myVote).Error; err == nil {
		myVoteType = string(myVote.VoteType)
	}

	return IncidentResponse{
		ID:            incident.ID,
		GroupID:       incident.GroupID,
		CreatedByID:   incident.CreatedByID,
		TargetUserID:  incident.TargetUserID,
		Category:      string(incident.Category),
		Title:         incident.Title,
		Description:   incident.Description,
		Status:        string(incident.Status),
		RequiredVotes: incident.RequiredVotes,
		Approvals:     approvals,
		Disapprovals:  disapprovals,
		MyVote:        myVoteType,
		CreatedAt:     incident.CreatedAt,
		ExpiresAt:     incident.ExpiresAt,
	}
}

// Create creates a new incident
// @Summary Create an incident
// @Description Report an incident against a group member, subject to admission limits
// @Tags incidents
// @Accept json
// @Produce json
// @Param request body CreateIncidentRequest true "Incident details"
// @Success 201 {object} IncidentResponse
// @Failure 400 {object} map[string]string "Validation error or target not in group"
// @Failure 403 {object} map[string]string "No group access or group frozen"
// @Failure 429 {object} map[string]string "Daily limit or cooldown"
// @Security BearerAuth
// @Router /incidents [post]
func (h *Handler) Create(c *gin.Context) {
	userID, _ := auth.GetUserID(c)
	role, _ := auth.GetRole(c)

	var req CreateIncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	category := models.Category(req.Category)
	if !category.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid category"})
		return
	}

	if !auth.HasGroupAccess(h.db, userID, role, req.GroupID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a member of this group"})
		return
	}

	incident, err := Create(h.db, userID, role, req.GroupID, req.TargetUserID, category, req.Title, req.Description)
	if err != nil {
		h.respondError(c, err, "Failed to create incident")
		return
	}

	c.JSON(http.StatusCreated, h.incidentResponse(incident, userID))
}

// Vote casts a vote on a pending incident
// @Summary Vote on an incident
// @Description Approve or disapprove a pending incident; crossing the threshold settles it
// @Tags incidents
// @Accept json
// @Produce json
// @Param id path int true "Incident ID"
// @Param request body VoteRequest true "Vote direction"
// @Success 200 {object} VoteResponse
// @Failure 400 {object} map[string]string "Expired or validation error"
// @Failure 403 {object} map[string]string "No group access, frozen group, or target voting"
// @Failure 404 {object} map[string]string "Incident not found"
// @Failure 409 {object} map[string]string "Already voted or incident closed"
// @Security BearerAuth
// @Router /incidents/{id}/vote [post]
func (h *Handler) Vote(c *gin.Context) {
	userID, _ := auth.GetUserID(c)
	role, _ := auth.GetRole(c)

	incidentID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid incident ID"})
		return
	}

	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	incident, err := CastVote(h.db, uint(incidentID), userID, role, models.VoteType(req.VoteType))
	if err != nil {
		h.respondError(c, err, "Failed to record vote")
		return
	}

	c.JSON(http.StatusOK, VoteResponse{
		Accepted: true,
		Status:   string(incident.Status),
	})
}

// Get returns a single incident with its vote tally
// @Summary Get an incident
// @Description Get an incident's details, vote counts, and the caller's own vote
// @Tags incidents
// @Produce json
// @Param id path int true "Incident ID"
// @Success 200 {object} IncidentResponse
// @Failure 403 {object} map[string]string "No group access"
// @Failure 404 {object} map[string]string "Incident not found"
// @Security BearerAuth
// @Router /incidents/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	userID, _ := auth.GetUserID(c)
	role, _ := auth.GetRole(c)

	incidentID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid incident ID"})
		return
	}

	var incident models.Incident
	if err := h.db.First(&incident, incidentID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrIncidentNotFound.Error()})
		return
	}

	if !auth.HasGroupAccess(h.db, userID, role, incident.GroupID) {
		c.JSON(http.StatusForbidden, gin.H{"error": ErrNotGroupMember.Error()})
		return
	}

	// Lazy expiry on the read path so a stale PENDING is never served
	if incident.Status == models.IncidentPending && time.Now().After(incident.ExpiresAt) {
		if err := h.db.Model(&models.Incident{}).Where("id = ?", incident.ID).
			Update("status", models.IncidentExpired).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch incident"})
			return
		}
		incident.Status = models.IncidentExpired
	}

	c.JSON(http.StatusOK, h.incidentResponse(&incident, userID))
}

// ListForGroup returns a group's incident feed, newest first
// @Summary List a group's incidents
// @Description Get all incidents in a group; stale pending incidents are expired first
// @Tags incidents
// @Produce json
// @Param id path int true "Group ID"
// @Param status query string false "Filter by status"
// @Success 200 {array} IncidentResponse
// @Failure 403 {object} map[string]string "No group access"
// @Security BearerAuth
// @Router /groups/{id}/incidents [get]
func (h *Handler) ListForGroup(c *gin.Context) {
	userID, _ := auth.GetUserID(c)
	role, _ := auth.GetRole(c)

	groupID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid group ID"})
		return
	}

	if !auth.HasGroupAccess(h.db, userID, role, uint(groupID)) {
		c.JSON(http.StatusForbidden, gin.H{"error": ErrNotGroupMember.Error()})
		return
	}

	if err := ExpireStale(h.db, uint(groupID)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch incidents"})
		return
	}

	query := h.db.Where("group_id = ?", groupID).Order("created_at DESC")
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var list []models.Incident
	if err := query.Find(&list).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch incidents"})
		return
	}

	responses := make([]IncidentResponse, len(list))
	for i := range list {
		responses[i] = h.incidentResponse(&list[i], userID)
	}

	c.JSON(http.StatusOK, responses)
}

// RegisterRoutes registers incident routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("", h.Create)
	rg.GET("/:id", h.Get)
	rg.POST("/:id/vote", h.Vote)
}

// RegisterGroupRoutes registers the per-group incident feed on the groups router
func (h *Handler) RegisterGroupRoutes(rg *gin.RouterGroup) {
	rg.GET("/:id/incidents", h.ListForGroup)
}
