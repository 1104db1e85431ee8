package incidents

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aurahq/auratrack/pkg/auratrack/auth"
	"github.com/aurahq/auratrack/pkg/auratrack/models"
	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	models.AutoMigrate(db)
	return db
}

// setupSharedTestDB pins the pool to a single connection so goroutines in
// the concurrency tests all hit the same in-memory database
func setupSharedTestDB(t *testing.T) *gorm.DB {
	db := setupTestDB(t)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db
}

func createTestUser(t *testing.T, db *gorm.DB, email string) models.User {
	hash, _ := auth.HashPassword("password123")
	user := models.User{
		Email:        email,
		PasswordHash: hash,
		Name:         "Test User",
		Role:         models.RoleUser,
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
	return user
}

// createTestGroup creates a group owned by the first returned user with
// memberCount members in total
func createTestGroup(t *testing.T, db *gorm.DB, memberCount int) (models.Group, []models.User) {
	users := make([]models.User, memberCount)
	for i := range users {
		users[i] = createTestUser(t, db, fmt.Sprintf("member%d@example.com", i))
	}

	group := models.Group{
		Name:       "Test Group",
		OwnerID:    users[0].ID,
		InviteCode: "testcode",
	}
	if err := db.Create(&group).Error; err != nil {
		t.Fatalf("Failed to create test group: %v", err)
	}

	for _, u := range users {
		membership := models.GroupMembership{UserID: u.ID, GroupID: group.ID}
		if err := db.Create(&membership).Error; err != nil {
			t.Fatalf("Failed to create test membership: %v", err)
		}
	}

	return group, users
}

func setupTestRouter(db *gorm.DB) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handler := NewHandler(db)

	incidentsGroup := r.Group("/incidents")
	incidentsGroup.Use(auth.AuthMiddleware())
	handler.RegisterRoutes(incidentsGroup)

	groupsGroup := r.Group("/groups")
	groupsGroup.Use(auth.AuthMiddleware())
	handler.RegisterGroupRoutes(groupsGroup)

	return r
}

func getAuthHeader(user models.User) string {
	token, _ := auth.GenerateToken(user.ID, user.Email, string(user.Role))
	return "Bearer " + token
}

func postJSON(t *testing.T, router *gin.Engine, user models.User, path string, body interface{}) *httptest.ResponseRecorder {
	jsonBody, _ := json.Marshal(body)
	req, _ := http.NewRequest("POST", path, bytes.NewBuffer(jsonBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", getAuthHeader(user))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestCreateIncident(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	group, users := createTestGroup(t, db, 10)

	body := CreateIncidentRequest{
		GroupID:      group.ID,
		TargetUserID: users[1].ID,
		Category:     "SMALL_GAIN",
		Title:        "Helped with the dishes",
	}
	resp := postJSON(t, router, users[0], "/incidents", body)

	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}

	var response IncidentResponse
	json.Unmarshal(resp.Body.Bytes(), &response)

	if response.Status != "PENDING" {
		t.Errorf("Expected status PENDING, got %s", response.Status)
	}
	// ceil(0.3 * 10) members
	if response.RequiredVotes != 3 {
		t.Errorf("Expected 3 required votes, got %d", response.RequiredVotes)
	}
	if response.ExpiresAt.Before(time.Now().Add(23 * time.Hour)) {
		t.Errorf("Expected expiry about 24h out, got %v", response.ExpiresAt)
	}
}

func TestCreateIncidentInvalidCategory(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	group, users := createTestGroup(t, db, 3)

	body := CreateIncidentRequest{
		GroupID:      group.ID,
		TargetUserID: users[1].ID,
		Category:     "HUGE_GAIN",
		Title:        "Bad category",
	}
	resp := postJSON(t, router, users[0], "/incidents", body)

	if resp.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.Code)
	}
}

func TestCreateIncidentTargetNotMember(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	group, users := createTestGroup(t, db, 3)
	outsider := createTestUser(t, db, "outsider@example.com")

	body := CreateIncidentRequest{
		GroupID:      group.ID,
		TargetUserID: outsider.ID,
		Category:     "SMALL_LOSS",
		Title:        "Targeting an outsider",
	}
	resp := postJSON(t, router, users[0], "/incidents", body)

	if resp.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestCreateIncidentByNonMember(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	group, users := createTestGroup(t, db, 3)
	outsider := createTestUser(t, db, "outsider@example.com")

	body := CreateIncidentRequest{
		GroupID:      group.ID,
		TargetUserID: users[1].ID,
		Category:     "SMALL_LOSS",
		Title:        "From outside",
	}
	resp := postJSON(t, router, outsider, "/incidents", body)

	if resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.Code)
	}
}

func TestCreateIncidentFrozenGroup(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	group, users := createTestGroup(t, db, 3)
	db.Model(&group).Update("is_frozen", true)

	body := CreateIncidentRequest{
		GroupID:      group.ID,
		TargetUserID: users[1].ID,
		Category:     "SMALL_GAIN",
		Title:        "Frozen group",
	}
	resp := postJSON(t, router, users[0], "/incidents", body)

	if resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d: %s", resp.Code, resp.Body.String())
	}
}

func createPendingIncident(t *testing.T, db *gorm.DB, group models.Group, creator, target models.User, category models.Category, requiredVotes int) models.Incident {
	incident := models.Incident{
		GroupID:       group.ID,
		CreatedByID:   creator.ID,
		TargetUserID:  target.ID,
		Category:      category,
		Title:         "Test Incident",
		Status:        models.IncidentPending,
		RequiredVotes: requiredVotes,
		ExpiresAt:     time.Now().Add(24 * time.Hour),
	}
	if err := db.Create(&incident).Error; err != nil {
		t.Fatalf("Failed to create incident: %v", err)
	}
	return incident
}

func TestVoteApproveThresholdSettles(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	group, users := createTestGroup(t, db, 10)
	target := users[1]
	incident := createPendingIncident(t, db, group, users[0], target, models.CategorySmallGain, 3)

	// First two approvals leave it pending
	for _, voter := range []models.User{users[2], users[3]} {
		resp := postJSON(t, router, voter, fmt.Sprintf("/incidents/%d/vote", incident.ID), VoteRequest{VoteType: "APPROVE"})
		if resp.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
		}
		var vr VoteResponse
		json.Unmarshal(resp.Body.Bytes(), &vr)
		if vr.Status != "PENDING" {
			t.Errorf("Expected status PENDING after %d votes, got %s", 2, vr.Status)
		}
	}

	// Third approval crosses the threshold
	resp := postJSON(t, router, users[4], fmt.Sprintf("/incidents/%d/vote", incident.ID), VoteRequest{VoteType: "APPROVE"})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var vr VoteResponse
	json.Unmarshal(resp.Body.Bytes(), &vr)
	if vr.Status != "VALIDATED" {
		t.Errorf("Expected status VALIDATED, got %s", vr.Status)
	}

	// Settlement: aura applied once, exactly one ledger row
	var updatedTarget models.User
	db.First(&updatedTarget, target.ID)
	if updatedTarget.Aura != 5 {
		t.Errorf("Expected target aura 5, got %d", updatedTarget.Aura)
	}

	var entries []models.AuraHistory
	db.Where("incident_id = ?", incident.ID).Find(&entries)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 ledger entry, got %d", len(entries))
	}
	if entries[0].Delta != 5 {
		t.Errorf("Expected ledger delta 5, got %d", entries[0].Delta)
	}
	if entries[0].Reason != "Incident: Test Incident" {
		t.Errorf("Unexpected ledger reason: %s", entries[0].Reason)
	}
}

func TestVoteDisapproveThresholdRejects(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	group, users := createTestGroup(t, db, 10)
	target := users[1]
	incident := createPendingIncident(t, db, group, users[0], target, models.CategorySmallGain, 3)

	for _, voter := range []models.User{users[2], users[3], users[4]} {
		resp := postJSON(t, router, voter, fmt.Sprintf("/incidents/%d/vote", incident.ID), VoteRequest{VoteType: "DISAPPROVE"})
		if resp.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
		}
	}

	var updated models.Incident
	db.First(&updated, incident.ID)
	if updated.Status != models.IncidentExpired {
		t.Errorf("Expected status EXPIRED, got %s", updated.Status)
	}

	// A rejected incident has no aura effect and no ledger row
	var updatedTarget models.User
	db.First(&updatedTarget, target.ID)
	if updatedTarget.Aura != 0 {
		t.Errorf("Expected target aura 0, got %d", updatedTarget.Aura)
	}

	var entryCount int64
	db.Model(&models.AuraHistory{}).Where("incident_id = ?", incident.ID).Count(&entryCount)
	if entryCount != 0 {
		t.Errorf("Expected 0 ledger entries, got %d", entryCount)
	}
}

func TestVoteDuplicate(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	group, users := createTestGroup(t, db, 10)
	incident := createPendingIncident(t, db, group, users[0], users[1], models.CategorySmallGain, 3)

	resp := postJSON(t, router, users[2], fmt.Sprintf("/incidents/%d/vote", incident.ID), VoteRequest{VoteType: "APPROVE"})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	// Same voter, other direction: the first decision is final
	resp = postJSON(t, router, users[2], fmt.Sprintf("/incidents/%d/vote", incident.ID), VoteRequest{VoteType: "DISAPPROVE"})
	if resp.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d: %s", resp.Code, resp.Body.String())
	}

	var voteCount int64
	db.Model(&models.IncidentVote{}).Where("incident_id = ?", incident.ID).Count(&voteCount)
	if voteCount != 1 {
		t.Errorf("Expected 1 recorded vote, got %d", voteCount)
	}
}

func TestVoteByTarget(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	group, users := createTestGroup(t, db, 10)
	target := users[1]
	incident := createPendingIncident(t, db, group, users[0], target, models.CategorySmallLoss, 3)

	resp := postJSON(t, router, target, fmt.Sprintf("/incidents/%d/vote", incident.ID), VoteRequest{VoteType: "DISAPPROVE"})
	if resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestVoteByNonMember(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	group, users := createTestGroup(t, db, 10)
	outsider := createTestUser(t, db, "outsider@example.com")
	incident := createPendingIncident(t, db, group, users[0], users[1], models.CategorySmallGain, 3)

	resp := postJSON(t, router, outsider, fmt.Sprintf("/incidents/%d/vote", incident.ID), VoteRequest{VoteType: "APPROVE"})
	if resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.Code)
	}
}

func TestVoteOnExpiredFlipsStatus(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	group, users := createTestGroup(t, db, 10)
	incident := createPendingIncident(t, db, group, users[0], users[1], models.CategorySmallGain, 3)
	db.Model(&incident).Update("expires_at", time.Now().Add(-time.Hour))

	resp := postJSON(t, router, users[2], fmt.Sprintf("/incidents/%d/vote", incident.ID), VoteRequest{VoteType: "APPROVE"})
	if resp.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d: %s", resp.Code, resp.Body.String())
	}

	// The stale incident is flipped as a side effect, but the vote is not recorded
	var updated models.Incident
	db.First(&updated, incident.ID)
	if updated.Status != models.IncidentExpired {
		t.Errorf("Expected status EXPIRED, got %s", updated.Status)
	}

	var voteCount int64
	db.Model(&models.IncidentVote{}).Where("incident_id = ?", incident.ID).Count(&voteCount)
	if voteCount != 0 {
		t.Errorf("Expected no recorded votes, got %d", voteCount)
	}
}

func TestVoteFrozenGroup(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	group, users := createTestGroup(t, db, 10)
	incident := createPendingIncident(t, db, group, users[0], users[1], models.CategorySmallGain, 3)
	db.Model(&group).Update("is_frozen", true)

	resp := postJSON(t, router, users[2], fmt.Sprintf("/incidents/%d/vote", incident.ID), VoteRequest{VoteType: "APPROVE"})
	if resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestVoteIncidentNotFound(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	_, users := createTestGroup(t, db, 3)

	resp := postJSON(t, router, users[0], "/incidents/9999/vote", VoteRequest{VoteType: "APPROVE"})
	if resp.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.Code)
	}
}

func TestVoteOnSettledIncident(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	group, users := createTestGroup(t, db, 10)
	incident := createPendingIncident(t, db, group, users[0], users[1], models.CategorySmallGain, 1)

	resp := postJSON(t, router, users[2], fmt.Sprintf("/incidents/%d/vote", incident.ID), VoteRequest{VoteType: "APPROVE"})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	// Terminal states accept no further votes
	resp = postJSON(t, router, users[3], fmt.Sprintf("/incidents/%d/vote", incident.ID), VoteRequest{VoteType: "APPROVE"})
	if resp.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d: %s", resp.Code, resp.Body.String())
	}

	var entryCount int64
	db.Model(&models.AuraHistory{}).Where("incident_id = ?", incident.ID).Count(&entryCount)
	if entryCount != 1 {
		t.Errorf("Expected exactly 1 ledger entry, got %d", entryCount)
	}
}

func TestConcurrentVotesSettleOnce(t *testing.T) {
	db := setupSharedTestDB(t)
	group, users := createTestGroup(t, db, 10)
	target := users[1]
	incident := createPendingIncident(t, db, group, users[0], target, models.CategorySmallGain, 3)

	// Five approvals racing toward a threshold of three
	var wg sync.WaitGroup
	for _, voter := range []models.User{users[2], users[3], users[4], users[5], users[6]} {
		wg.Add(1)
		go func(voterID uint) {
			defer wg.Done()
			CastVote(db, incident.ID, voterID, models.RoleUser, models.VoteApprove)
		}(voter.ID)
	}
	wg.Wait()

	var updated models.Incident
	db.First(&updated, incident.ID)
	if updated.Status != models.IncidentValidated {
		t.Errorf("Expected status VALIDATED, got %s", updated.Status)
	}

	// Settlement applied exactly once no matter how the votes interleaved
	var updatedTarget models.User
	db.First(&updatedTarget, target.ID)
	if updatedTarget.Aura != 5 {
		t.Errorf("Expected target aura 5, got %d", updatedTarget.Aura)
	}

	var entryCount int64
	db.Model(&models.AuraHistory{}).Where("incident_id = ?", incident.ID).Count(&entryCount)
	if entryCount != 1 {
		t.Errorf("Expected 1 ledger entry, got %d", entryCount)
	}

	// Votes past the settling one are rolled back, not recorded
	var voteCount int64
	db.Model(&models.IncidentVote{}).Where("incident_id = ?", incident.ID).Count(&voteCount)
	if voteCount != 3 {
		t.Errorf("Expected 3 recorded votes, got %d", voteCount)
	}
}

func TestConcurrentDuplicateVotes(t *testing.T) {
	db := setupSharedTestDB(t)
	group, users := createTestGroup(t, db, 10)
	incident := createPendingIncident(t, db, group, users[0], users[1], models.CategorySmallGain, 3)
	voter := users[2]

	const attempts = 5
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := CastVote(db, incident.ID, voter.ID, models.RoleUser, models.VoteApprove)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	accepted, rejected := 0, 0
	for err := range results {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrAlreadyVoted):
			rejected++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if accepted != 1 {
		t.Errorf("Expected exactly 1 accepted vote, got %d", accepted)
	}
	if rejected != attempts-1 {
		t.Errorf("Expected %d rejections, got %d", attempts-1, rejected)
	}

	var voteCount int64
	db.Model(&models.IncidentVote{}).Where("incident_id = ?", incident.ID).Count(&voteCount)
	if voteCount != 1 {
		t.Errorf("Expected 1 recorded vote, got %d", voteCount)
	}
}

func TestGroupFeedExpiresStale(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	group, users := createTestGroup(t, db, 5)
	stale := createPendingIncident(t, db, group, users[0], users[1], models.CategorySmallGain, 2)
	db.Model(&stale).Update("expires_at", time.Now().Add(-time.Minute))
	fresh := createPendingIncident(t, db, group, users[0], users[2], models.CategorySmallLoss, 2)

	req, _ := http.NewRequest("GET", fmt.Sprintf("/groups/%d/incidents", group.ID), nil)
	req.Header.Set("Authorization", getAuthHeader(users[3]))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var list []IncidentResponse
	json.Unmarshal(resp.Body.Bytes(), &list)
	if len(list) != 2 {
		t.Fatalf("Expected 2 incidents, got %d", len(list))
	}

	statuses := map[uint]string{}
	for _, i := range list {
		statuses[i.ID] = i.Status
	}
	if statuses[stale.ID] != "EXPIRED" {
		t.Errorf("Expected stale incident to be EXPIRED, got %s", statuses[stale.ID])
	}
	if statuses[fresh.ID] != "PENDING" {
		t.Errorf("Expected fresh incident to be PENDING, got %s", statuses[fresh.ID])
	}

	// The flip is persisted, not just presentational
	var updated models.Incident
	db.First(&updated, stale.ID)
	if updated.Status != models.IncidentExpired {
		t.Errorf("Expected persisted status EXPIRED, got %s", updated.Status)
	}
}

func TestGetIncident(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	group, users := createTestGroup(t, db, 5)
	incident := createPendingIncident(t, db, group, users[0], users[1], models.CategoryHighLoss, 2)

	resp := postJSON(t, router, users[2], fmt.Sprintf("/incidents/%d/vote", incident.ID), VoteRequest{VoteType: "APPROVE"})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	req, _ := http.NewRequest("GET", fmt.Sprintf("/incidents/%d", incident.ID), nil)
	req.Header.Set("Authorization", getAuthHeader(users[2]))
	getResp := httptest.NewRecorder()
	router.ServeHTTP(getResp, req)

	if getResp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", getResp.Code, getResp.Body.String())
	}

	var response IncidentResponse
	json.Unmarshal(getResp.Body.Bytes(), &response)
	if response.Approvals != 1 {
		t.Errorf("Expected 1 approval, got %d", response.Approvals)
	}
	if response.MyVote != "APPROVE" {
		t.Errorf("Expected my_vote APPROVE, got %s", response.MyVote)
	}
}
