package incidents

import (
	"errors"
	"time"

	"github.com/aurahq/auratrack/pkg/auratrack/auth"
	"github.com/aurahq/auratrack/pkg/auratrack/models"
	"gorm.io/gorm"
)

// CastVote records one vote and, if a threshold is crossed, drives the
// incident to its terminal state. Enough approvals validate the incident and
// settle the target's aura; enough disapprovals expire it with no aura effect.
// The vote insert, the tally, the transition, and the settlement all happen
// inside one transaction so two concurrent votes cannot both observe
// count = required-1 and both settle.
func CastVote(db *gorm.DB, incidentID, voterID uint, voterRole models.Role, voteType models.VoteType) (*models.Incident, error) {
	var incident models.Incident
	if err := db.Preload("Group").First(&incident, incidentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIncidentNotFound
		}
		return nil, err
	}

	if incident.Group.IsFrozen {
		return nil, ErrGroupFrozen
	}

	// Lazy expiry: there is no background sweeper, so a vote attempt that
	// finds the window closed flips the incident and rejects the vote
	if incident.Status == models.IncidentPending && time.Now().After(incident.ExpiresAt) {
		if err := db.Model(&models.Incident{}).Where("id = ?", incident.ID).
			Update("status", models.IncidentExpired).Error; err != nil {
			return nil, err
		}
		incident.Status = models.IncidentExpired
		return &incident, ErrIncidentExpired
	}

	if incident.Status != models.IncidentPending {
		return nil, ErrIncidentClosed
	}

	if !auth.HasGroupAccess(db, voterID, voterRole, incident.GroupID) {
		return nil, ErrNotGroupMember
	}

	if incident.TargetUserID == voterID {
		return nil, ErrTargetCannotVote
	}

	var existing int64
	if err := db.Model(&models.IncidentVote{}).
		Where("incident_id = ? AND user_id = ?", incidentID, voterID).
		Count(&existing).Error; err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, ErrAlreadyVoted
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		vote := models.IncidentVote{
			IncidentID: incident.ID,
			UserID:     voterID,
			VoteType:   voteType,
		}
		if err := tx.Create(&vote).Error; err != nil {
			// The unique index on (incident_id, user_id) backs the pre-check
			// when two votes from the same user race; anything else is an
			// infrastructure failure and propagates as-is
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyVoted
			}
			return err
		}

		// Re-read inside the transaction: a concurrent vote may have closed
		// the incident between our pre-check and here
		if err := tx.First(&incident, incident.ID).Error; err != nil {
			return err
		}
		if incident.Status != models.IncidentPending {
			return ErrIncidentClosed
		}

		var approvals, disapprovals int64
		if err := tx.Model(&models.IncidentVote{}).
			Where("incident_id = ? AND vote_type = ?", incident.ID, models.VoteApprove).
			Count(&approvals).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.IncidentVote{}).
			Where("incident_id = ? AND vote_type = ?", incident.ID, models.VoteDisapprove).
			Count(&disapprovals).Error; err != nil {
			return err
		}

		if approvals >= int64(incident.RequiredVotes) {
			return Settle(tx, &incident, models.ReasonIncidentPrefix+incident.Title)
		}
		if disapprovals >= int64(incident.RequiredVotes) {
			return reject(tx, &incident)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &incident, nil
}

// Settle transitions a PENDING incident to VALIDATED and applies its aura
// effect: an atomic increment of the target's aura plus exactly one ledger
// row, all in the caller's transaction. The conditional status update
// guarantees at most one settlement per incident; a closed incident
// returns ErrIncidentClosed and nothing is applied.
func Settle(tx *gorm.DB, incident *models.Incident, reason string) error {
	result := tx.Model(&models.Incident{}).
		Where("id = ? AND status = ?", incident.ID, models.IncidentPending).
		Update("status", models.IncidentValidated)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrIncidentClosed
	}

	delta := incident.Category.AuraDelta()

	if err := tx.Model(&models.User{}).Where("id = ?", incident.TargetUserID).
		Update("aura", gorm.Expr("aura + ?", delta)).Error; err != nil {
		return err
	}

	history := models.AuraHistory{
		UserID:     incident.TargetUserID,
		IncidentID: &incident.ID,
		GroupID:    &incident.GroupID,
		Delta:      delta,
		Reason:     reason,
	}
	if err := tx.Create(&history).Error; err != nil {
		return err
	}

	incident.Status = models.IncidentValidated
	return nil
}

// reject transitions a PENDING incident to EXPIRED (the disapproval outcome).
// No aura effect and no ledger row.
func reject(tx *gorm.DB, incident *models.Incident) error {
	result := tx.Model(&models.Incident{}).
		Where("id = ? AND status = ?", incident.ID, models.IncidentPending).
		Update("status", models.IncidentExpired)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrIncidentClosed
	}

	incident.Status = models.IncidentExpired
	return nil
}

// ExpireStale flips the group's PENDING incidents whose voting window has
// passed to EXPIRED. List views call this first so the stored status can be
// trusted, instead of showing an incident as PENDING past its deadline.
func ExpireStale(db *gorm.DB, groupID uint) error {
	return db.Model(&models.Incident{}).
		Where("group_id = ? AND status = ? AND expires_at < ?", groupID, models.IncidentPending, time.Now()).
		Update("status", models.IncidentExpired).Error
}
