package incidents

import "errors"

// Domain errors surfaced by the admission and voting paths. Handlers map
// these to HTTP statuses; each rejection names the specific rule that
// blocked it so callers can act on it.
var (
	ErrTargetNotMember  = errors.New("target user is not a member of this group")
	ErrGroupFrozen      = errors.New("group is frozen")
	ErrDailyLimit       = errors.New("daily incident limit reached (max 5)")
	ErrGainLimit        = errors.New("daily gain incident limit reached (max 3)")
	ErrLossLimit        = errors.New("daily loss incident limit reached (max 3)")
	ErrTargetCooldown   = errors.New("an incident was recently created against this user (30m cooldown)")
	ErrIncidentNotFound = errors.New("incident not found")
	ErrIncidentExpired  = errors.New("incident has expired")
	ErrIncidentClosed   = errors.New("incident is no longer pending")
	ErrNotGroupMember   = errors.New("not a member of this group")
	ErrTargetCannotVote = errors.New("target user cannot vote on their own incident")
	ErrAlreadyVoted     = errors.New("already voted on this incident")
)
