package incidents

import (
	"errors"
	"math"
	"time"

	"github.com/aurahq/auratrack/pkg/auratrack/models"
	"gorm.io/gorm"
)

const (
	// DailyIncidentLimit caps how many incidents one user may create per day
	DailyIncidentLimit = 5
	// DailyDirectionLimit caps how many gain (or loss) incidents one user may create per day
	DailyDirectionLimit = 3
	// TargetCooldown is the minimum gap between two incidents by the same
	// creator against the same target
	TargetCooldown = 30 * time.Minute
	// VotingWindow is how long an incident accepts votes before expiring
	VotingWindow = 24 * time.Hour

	// voteQuorumRatio is the fraction of group members whose votes decide
	// an incident, snapshotted at creation
	voteQuorumRatio = 0.3
)

// startOfToday returns local midnight; the daily caps are calendar-aligned,
// not a rolling 24h window.
func startOfToday(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

// RequiredVotes returns the decision threshold for a group of the given size:
// 30% of members rounded up, at least 1.
func RequiredVotes(memberCount int64) int {
	required := int(math.Ceil(float64(memberCount) * voteQuorumRatio))
	if required < 1 {
		required = 1
	}
	return required
}

// CheckAdmission decides whether the creator may open a new incident against
// the target in the group. The membership and frozen-group checks apply to
// everyone; the volume caps and cooldown are skipped for system admins so
// moderation is never throttled. All checks are read-only.
func CheckAdmission(db *gorm.DB, creatorID uint, creatorRole models.Role, targetUserID, groupID uint, category models.Category) error {
	var target models.GroupMembership
	err := db.Preload("Group").Where("user_id = ? AND group_id = ?", targetUserID, groupID).First(&target).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTargetNotMember
		}
		return err
	}
	if target.Group.IsFrozen {
		return ErrGroupFrozen
	}

	if creatorRole == models.RoleAdmin {
		return nil
	}

	now := time.Now()
	since := startOfToday(now)

	// Total daily cap
	var todayCount int64
	if err := db.Model(&models.Incident{}).
		Where("created_by_id = ? AND created_at >= ?", creatorID, since).
		Count(&todayCount).Error; err != nil {
		return err
	}
	if todayCount >= DailyIncidentLimit {
		return ErrDailyLimit
	}

	// Directional cap: gains and losses are counted separately so a user
	// cannot spend the whole daily budget piling on one direction
	direction := models.GainCategories
	directionErr := ErrGainLimit
	if category.IsLoss() {
		direction = models.LossCategories
		directionErr = ErrLossLimit
	}
	var directionCount int64
	if err := db.Model(&models.Incident{}).
		Where("created_by_id = ? AND created_at >= ? AND category IN ?", creatorID, since, direction).
		Count(&directionCount).Error; err != nil {
		return err
	}
	if directionCount >= DailyDirectionLimit {
		return directionErr
	}

	// Per-target cooldown, wall-clock
	var recentCount int64
	if err := db.Model(&models.Incident{}).
		Where("created_by_id = ? AND target_user_id = ? AND created_at >= ?",
			creatorID, targetUserID, now.Add(-TargetCooldown)).
		Count(&recentCount).Error; err != nil {
		return err
	}
	if recentCount > 0 {
		return ErrTargetCooldown
	}

	return nil
}

// Create runs admission and persists a new PENDING incident. The quota
// reads, the member-count snapshot, and the insert share one transaction
// so two concurrent creations cannot both observe a count just under a cap
// and both slip in. The vote threshold is computed from the member count at
// this moment and stored, so later membership changes do not alter an
// incident's difficulty.
func Create(db *gorm.DB, creatorID uint, creatorRole models.Role, groupID, targetUserID uint, category models.Category, title, description string) (*models.Incident, error) {
	var incident models.Incident
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := CheckAdmission(tx, creatorID, creatorRole, targetUserID, groupID, category); err != nil {
			return err
		}

		var memberCount int64
		if err := tx.Model(&models.GroupMembership{}).Where("group_id = ?", groupID).Count(&memberCount).Error; err != nil {
			return err
		}

		incident = models.Incident{
			GroupID:       groupID,
			CreatedByID:   creatorID,
			TargetUserID:  targetUserID,
			Category:      category,
			Title:         title,
			Description:   description,
			Status:        models.IncidentPending,
			RequiredVotes: RequiredVotes(memberCount),
			ExpiresAt:     time.Now().Add(VotingWindow),
		}

		return tx.Create(&incident).Error
	})
	if err != nil {
		return nil, err
	}

	return &incident, nil
}
