package history

import (
	"net/http"
	"time"

	"github.com/aurahq/auratrack/pkg/auratrack/auth"
	"github.com/aurahq/auratrack/pkg/auratrack/models"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Handler handles aura history requests
type Handler struct {
	db *gorm.DB
}

// NewHandler creates a new history handler
func NewHandler(db *gorm.DB) *Handler {
	return &Handler{db: db}
}

// EntryResponse represents one aura ledger entry in API responses
type EntryResponse struct {
	ID         uint      `json:"id"`
	Delta      int       `json:"delta"`
	Reason     string    `json:"reason"`
	IncidentID *uint     `json:"incident_id,omitempty"`
	GroupID    *uint     `json:"group_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListResponse wraps a user's ledger with their current aura so clients
// can show the running balance next to the trail that produced it
type ListResponse struct {
	Aura    int             `json:"aura"`
	Entries []EntryResponse `json:"entries"`
}

// ListForUser returns a user's ledger, newest first
func ListForUser(db *gorm.DB, userID uint) (*ListResponse, error) {
	var user models.User
	if err := db.First(&user, userID).Error; err != nil {
		return nil, err
	}

	var entries []models.AuraHistory
	if err := db.Where("user_id = ?", userID).Order("created_at DESC").Find(&entries).Error; err != nil {
		return nil, err
	}

	resp := &ListResponse{
		Aura:    user.Aura,
		Entries: make([]EntryResponse, len(entries)),
	}
	for i, e := range entries {
		resp.Entries[i] = EntryResponse{
			ID:         e.ID,
			Delta:      e.Delta,
			Reason:     e.Reason,
			IncidentID: e.IncidentID,
			GroupID:    e.GroupID,
			CreatedAt:  e.CreatedAt,
		}
	}
	return resp, nil
}

// List returns the current user's aura history
// @Summary Get my aura history
// @Description Get the authenticated user's aura ledger, newest first
// @Tags history
// @Produce json
// @Success 200 {object} ListResponse
// @Security BearerAuth
// @Router /history [get]
func (h *Handler) List(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	resp, err := ListForUser(h.db, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch history"})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// RegisterRoutes registers history routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("", h.List)
}
