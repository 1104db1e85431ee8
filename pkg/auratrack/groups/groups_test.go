package groups

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

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

func createTestUser(t *testing.T, db *gorm.DB, email string) models.User {
	user := models.User{
		Email:        email,
		PasswordHash: "hash",
		Name:         "Test User",
		Role:         models.RoleUser,
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
	return user
}

func setupTestRouter(db *gorm.DB) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handler := NewHandler(db)

	groupsGroup := r.Group("/groups")
	groupsGroup.Use(auth.AuthMiddleware())
	handler.RegisterRoutes(groupsGroup)
	handler.RegisterMemberRoutes(groupsGroup)

	return r
}

func getAuthHeader(user models.User) string {
	token, _ := auth.GenerateToken(user.ID, user.Email, string(user.Role))
	return "Bearer " + token
}

func doRequest(router *gin.Engine, user models.User, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf *bytes.Buffer
	if body != nil {
		jsonBody, _ := json.Marshal(body)
		buf = bytes.NewBuffer(jsonBody)
	} else {
		buf = bytes.NewBuffer(nil)
	}
	req, _ := http.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", getAuthHeader(user))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestCreateGroup(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	owner := createTestUser(t, db, "owner@example.com")

	resp := doRequest(router, owner, "POST", "/groups", CreateGroupRequest{Name: "The Flat"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}

	var group GroupResponse
	json.Unmarshal(resp.Body.Bytes(), &group)
	if group.OwnerID != owner.ID {
		t.Errorf("Expected owner ID %d, got %d", owner.ID, group.OwnerID)
	}
	if group.InviteCode == "" {
		t.Error("Expected a generated invite code")
	}
	if group.MemberCount != 1 {
		t.Errorf("Expected member count 1, got %d", group.MemberCount)
	}

	// Owner membership row is created alongside the group
	var membership models.GroupMembership
	if err := db.Where("user_id = ? AND group_id = ?", owner.ID, group.ID).First(&membership).Error; err != nil {
		t.Errorf("Expected owner membership to exist: %v", err)
	}
}

func TestJoinGroup(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	owner := createTestUser(t, db, "owner@example.com")
	joiner := createTestUser(t, db, "joiner@example.com")

	resp := doRequest(router, owner, "POST", "/groups", CreateGroupRequest{Name: "The Flat"})
	var group GroupResponse
	json.Unmarshal(resp.Body.Bytes(), &group)

	resp = doRequest(router, joiner, "POST", "/groups/join", JoinGroupRequest{InviteCode: group.InviteCode})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var joined GroupResponse
	json.Unmarshal(resp.Body.Bytes(), &joined)
	if joined.MemberCount != 2 {
		t.Errorf("Expected member count 2, got %d", joined.MemberCount)
	}

	// Joining twice conflicts
	resp = doRequest(router, joiner, "POST", "/groups/join", JoinGroupRequest{InviteCode: group.InviteCode})
	if resp.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", resp.Code)
	}
}

func TestJoinGroupUnknownCode(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	user := createTestUser(t, db, "user@example.com")

	resp := doRequest(router, user, "POST", "/groups/join", JoinGroupRequest{InviteCode: "nosuch"})
	if resp.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.Code)
	}
}

func TestListGroups(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	user := createTestUser(t, db, "user@example.com")
	other := createTestUser(t, db, "other@example.com")

	doRequest(router, user, "POST", "/groups", CreateGroupRequest{Name: "Mine"})
	doRequest(router, other, "POST", "/groups", CreateGroupRequest{Name: "Theirs"})

	resp := doRequest(router, user, "GET", "/groups", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.Code)
	}

	var groups []GroupResponse
	json.Unmarshal(resp.Body.Bytes(), &groups)
	if len(groups) != 1 {
		t.Fatalf("Expected 1 group, got %d", len(groups))
	}
	if groups[0].Name != "Mine" {
		t.Errorf("Expected group Mine, got %s", groups[0].Name)
	}
}

func TestGetGroupRequiresMembership(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	owner := createTestUser(t, db, "owner@example.com")
	outsider := createTestUser(t, db, "outsider@example.com")

	resp := doRequest(router, owner, "POST", "/groups", CreateGroupRequest{Name: "Private"})
	var group GroupResponse
	json.Unmarshal(resp.Body.Bytes(), &group)

	// Non-members get 404, not 403, so group IDs leak nothing
	resp = doRequest(router, outsider, "GET", fmt.Sprintf("/groups/%d", group.ID), nil)
	if resp.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.Code)
	}

	resp = doRequest(router, owner, "GET", fmt.Sprintf("/groups/%d", group.ID), nil)
	if resp.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.Code)
	}
}

func TestLeaderboardOrdering(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	owner := createTestUser(t, db, "owner@example.com")

	resp := doRequest(router, owner, "POST", "/groups", CreateGroupRequest{Name: "Ranked"})
	var group GroupResponse
	json.Unmarshal(resp.Body.Bytes(), &group)

	auras := map[string]int{"low@example.com": -10, "high@example.com": 40, "mid@example.com": 15}
	for email, aura := range auras {
		u := createTestUser(t, db, email)
		db.Model(&u).Update("aura", aura)
		db.Create(&models.GroupMembership{UserID: u.ID, GroupID: group.ID})
	}

	resp = doRequest(router, owner, "GET", fmt.Sprintf("/groups/%d/leaderboard", group.ID), nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var members []MemberResponse
	json.Unmarshal(resp.Body.Bytes(), &members)
	if len(members) != 4 {
		t.Fatalf("Expected 4 members, got %d", len(members))
	}
	for i := 1; i < len(members); i++ {
		if members[i].Aura > members[i-1].Aura {
			t.Errorf("Leaderboard not sorted: %d before %d", members[i-1].Aura, members[i].Aura)
		}
	}
	if members[0].Email != "high@example.com" {
		t.Errorf("Expected high@example.com first, got %s", members[0].Email)
	}
}

func TestListMembers(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	owner := createTestUser(t, db, "owner@example.com")

	resp := doRequest(router, owner, "POST", "/groups", CreateGroupRequest{Name: "Members"})
	var group GroupResponse
	json.Unmarshal(resp.Body.Bytes(), &group)

	member := createTestUser(t, db, "member@example.com")
	db.Model(&member).Update("aura", 25)
	db.Create(&models.GroupMembership{UserID: member.ID, GroupID: group.ID})

	resp = doRequest(router, owner, "GET", fmt.Sprintf("/groups/%d/members", group.ID), nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.Code)
	}

	var members []MemberResponse
	json.Unmarshal(resp.Body.Bytes(), &members)
	if len(members) != 2 {
		t.Fatalf("Expected 2 members, got %d", len(members))
	}
	for _, m := range members {
		if m.Email == "member@example.com" && m.Aura != 25 {
			t.Errorf("Expected aura 25 for member, got %d", m.Aura)
		}
	}
}
