package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/glebarez/sqlite"

	"guildboard/internal/auth"
	"guildboard/internal/groups"
	"guildboard/internal/models"
	"guildboard/internal/ws"
)

// mailRecorder is a Mailer that records sends instead of dialing SMTP.
type sentMail struct {
	to      []string
	subject string
	plain   string
	html    string
}

type mailRecorder struct {
	mu   sync.Mutex
	sent []sentMail
	fail bool
}

func (r *mailRecorder) Send(to []string, subject, plain, html string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("smtp unavailable")
	}
	r.sent = append(r.sent, sentMail{to: to, subject: subject, plain: plain, html: html})
	return nil
}

func (r *mailRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func setupTest(t *testing.T) (*gorm.DB, *gin.Engine, *mailRecorder) {
	t.Helper()
	t.Setenv("JWT_SECRET", "test-secret")
	gin.SetMode(gin.TestMode)

	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(
		&models.User{}, &models.Group{}, &models.Post{}, &models.Reply{},
	))

	rec := &mailRecorder{}
	hub := ws.NewHub()
	go hub.Run()

	router := gin.New()
	SetupRoutes(router, database, hub, rec)
	return database, router, rec
}

func createUser(t *testing.T, db *gorm.DB, username string, subscribed bool) *models.User {
	t.Helper()
	user := &models.User{
		Username:               username,
		Email:                  username + "@guild.test",
		PasswordHash:           "not-a-real-hash",
		SubscribedToNewsletter: subscribed,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func tokenFor(t *testing.T, user *models.User) string {
	t.Helper()
	token, err := auth.GenerateToken(user.ID, user.Username)
	require.NoError(t, err)
	return token
}

func doRequest(router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func userInGroup(t *testing.T, db *gorm.DB, userID uint, name string) bool {
	t.Helper()
	var count int64
	err := db.Table("user_groups").
		Joins("JOIN groups ON groups.id = user_groups.group_id").
		Where("user_groups.user_id = ? AND groups.name = ?", userID, name).
		Count(&count).Error
	require.NoError(t, err)
	return count > 0
}

func grantEditor(t *testing.T, db *gorm.DB, user *models.User) {
	t.Helper()
	_, err := groups.Ensure(db, groups.Editors, []string{groups.PermPostEdit})
	require.NoError(t, err)
	require.NoError(t, groups.Grant(db, user, groups.Editors))
}

// --- Auth ---

func TestSignupGrantsCommonGroup(t *testing.T) {
	db, router, _ := setupTest(t)

	w := doRequest(router, "POST", "/api/auth/signup", "", gin.H{
		"username": "aldric",
		"email":    "aldric@guild.test",
		"password": "swordandboard",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Token string      `json:"token"`
		User  models.User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
	assert.True(t, userInGroup(t, db, resp.User.ID, groups.Common))

	// The token works against a protected route.
	w = doRequest(router, "GET", "/api/posts", resp.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSignupDuplicateUsername(t *testing.T) {
	_, router, _ := setupTest(t)

	body := gin.H{"username": "aldric", "email": "aldric@guild.test", "password": "swordandboard"}
	require.Equal(t, http.StatusCreated, doRequest(router, "POST", "/api/auth/signup", "", body).Code)
	assert.Equal(t, http.StatusConflict, doRequest(router, "POST", "/api/auth/signup", "", body).Code)
}

func TestLogin(t *testing.T) {
	_, router, _ := setupTest(t)

	signup := gin.H{"username": "mira", "email": "mira@guild.test", "password": "potionseller1"}
	require.Equal(t, http.StatusCreated, doRequest(router, "POST", "/api/auth/signup", "", signup).Code)

	w := doRequest(router, "POST", "/api/auth/login", "", gin.H{"username": "mira", "password": "potionseller1"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, "POST", "/api/auth/login", "", gin.H{"username": "mira", "password": "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProtectedRoutesRejectAnonymous(t *testing.T) {
	_, router, _ := setupTest(t)
	assert.Equal(t, http.StatusUnauthorized, doRequest(router, "GET", "/api/posts", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, doRequest(router, "POST", "/api/newsletter", "", gin.H{"subject": "s", "message": "m"}).Code)
}

// --- Posts ---

func TestCreatePost(t *testing.T) {
	db, router, _ := setupTest(t)
	user := createUser(t, db, "tankmain", false)
	token := tokenFor(t, user)

	w := doRequest(router, "POST", "/api/posts", token, gin.H{
		"category": models.CategoryTank,
		"title":    "Tank LFG",
		"body":     "Seasoned tank looking for a raid group.",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var post models.Post
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &post))
	assert.Equal(t, user.ID, post.AuthorID)
	assert.True(t, models.ValidCategory(post.Category))

	// Publishing enrolls the author into the authors group.
	assert.True(t, userInGroup(t, db, user.ID, groups.Authors))

	// The listing is visible under its own category and absent from others.
	w = doRequest(router, "GET", "/api/posts?category=TK", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Tank LFG")

	w = doRequest(router, "GET", "/api/posts?category=HL", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "Tank LFG")
}

func TestCreatePostInvalidCategory(t *testing.T) {
	db, router, _ := setupTest(t)
	token := tokenFor(t, createUser(t, db, "tankmain", false))

	w := doRequest(router, "POST", "/api/posts", token, gin.H{
		"category": "XX",
		"title":    "Bad category",
		"body":     "Should be rejected.",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func seedPost(t *testing.T, db *gorm.DB, authorID uint, category, title string) *models.Post {
	t.Helper()
	post := &models.Post{AuthorID: authorID, Category: category, Title: title, Body: "body"}
	require.NoError(t, db.Create(post).Error)
	return post
}

func TestListFilters(t *testing.T) {
	db, router, _ := setupTest(t)
	user := createUser(t, db, "quartermaster", false)
	token := tokenFor(t, user)

	seedPost(t, db, user.ID, models.CategoryTank, "Dragon raid tank wanted")
	seedPost(t, db, user.ID, models.CategoryHealer, "Healer available weekends")
	seedPost(t, db, user.ID, models.CategoryDamage, "DRAGONSLAYER selling loot")

	listTests := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?category=TK", 1},
		{"?category=HL", 1},
		{"?category=XX", 3}, // unknown category is ignored, not rejected
		{"?title=drag", 2},  // case-insensitive substring
		{"?title=drag&category=TK", 1},
		{"?title=nomatch", 0},
	}

	for _, tt := range listTests {
		t.Run("posts"+tt.query, func(t *testing.T) {
			w := doRequest(router, "GET", "/api/posts"+tt.query, token, nil)
			require.Equal(t, http.StatusOK, w.Code)
			var resp struct {
				Posts []models.Post `json:"posts"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Len(t, resp.Posts, tt.want)
		})
	}
}

func TestListPagination(t *testing.T) {
	db, router, _ := setupTest(t)
	user := createUser(t, db, "prolific", false)
	token := tokenFor(t, user)

	for i := 0; i < 12; i++ {
		seedPost(t, db, user.ID, models.CategoryTrader, fmt.Sprintf("Listing %d", i))
	}

	var resp struct {
		Posts      []models.Post `json:"posts"`
		Page       int           `json:"page"`
		TotalPages int           `json:"totalPages"`
		Total      int           `json:"total"`
	}

	w := doRequest(router, "GET", "/api/posts", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Posts, 10)
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, 2, resp.TotalPages)
	assert.Equal(t, 12, resp.Total)

	w = doRequest(router, "GET", "/api/posts?page=2", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Posts, 2)
}

func TestUpdatePostRequiresPermission(t *testing.T) {
	db, router, _ := setupTest(t)
	owner := createUser(t, db, "owner", false)
	post := seedPost(t, db, owner.ID, models.CategoryTank, "Original title")

	update := gin.H{"category": models.CategoryTank, "title": "New title", "body": "updated"}
	path := fmt.Sprintf("/api/posts/%d", post.ID)

	// Even the owner is rejected without the post_edit permission.
	w := doRequest(router, "PUT", path, tokenFor(t, owner), update)
	assert.Equal(t, http.StatusForbidden, w.Code)

	editor := createUser(t, db, "editor", false)
	grantEditor(t, db, editor)
	w = doRequest(router, "PUT", path, tokenFor(t, editor), update)
	require.Equal(t, http.StatusOK, w.Code)

	var updated models.Post
	require.NoError(t, db.First(&updated, post.ID).Error)
	assert.Equal(t, "New title", updated.Title)
	assert.Equal(t, owner.ID, updated.AuthorID)
}

func TestDeletePostCascadesToReplies(t *testing.T) {
	db, router, _ := setupTest(t)
	owner := createUser(t, db, "owner", false)
	sender := createUser(t, db, "sender", false)
	post := seedPost(t, db, owner.ID, models.CategoryTank, "Doomed listing")
	require.NoError(t, db.Create(&models.Reply{PostID: post.ID, SenderID: sender.ID, Body: "first"}).Error)
	require.NoError(t, db.Create(&models.Reply{PostID: post.ID, SenderID: sender.ID, Body: "second"}).Error)

	editor := createUser(t, db, "editor", false)
	grantEditor(t, db, editor)

	w := doRequest(router, "DELETE", fmt.Sprintf("/api/posts/%d", post.ID), tokenFor(t, editor), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var posts, replies int64
	require.NoError(t, db.Model(&models.Post{}).Count(&posts).Error)
	require.NoError(t, db.Model(&models.Reply{}).Count(&replies).Error)
	assert.Zero(t, posts)
	assert.Zero(t, replies)
}

// --- Replies ---

func TestCreateReply(t *testing.T) {
	db, router, rec := setupTest(t)
	owner := createUser(t, db, "owner", false)
	sender := createUser(t, db, "sender", false)
	post := seedPost(t, db, owner.ID, models.CategoryHealer, "Healer wanted")

	w := doRequest(router, "POST", fmt.Sprintf("/api/posts/%d/replies", post.ID), tokenFor(t, sender), gin.H{
		"body": "I can heal your raid.",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var reply models.Reply
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.False(t, reply.Approved)
	assert.Equal(t, sender.ID, reply.SenderID)
	assert.Equal(t, post.ID, reply.PostID)

	// The listing owner got exactly one notification.
	require.Equal(t, 1, rec.count())
	assert.Equal(t, []string{owner.Email}, rec.sent[0].to)
	assert.Contains(t, rec.sent[0].plain, "Healer wanted")
}

func TestCreateReplyMailFailureKeepsReply(t *testing.T) {
	db, router, rec := setupTest(t)
	owner := createUser(t, db, "owner", false)
	sender := createUser(t, db, "sender", false)
	post := seedPost(t, db, owner.ID, models.CategoryHealer, "Healer wanted")

	rec.fail = true
	w := doRequest(router, "POST", fmt.Sprintf("/api/posts/%d/replies", post.ID), tokenFor(t, sender), gin.H{
		"body": "I can heal your raid.",
	})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	// The reply was committed before the send was attempted.
	var count int64
	require.NoError(t, db.Model(&models.Reply{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
	assert.Zero(t, rec.count())
}

func TestApproveReplySendsMailEveryTime(t *testing.T) {
	db, router, rec := setupTest(t)
	owner := createUser(t, db, "owner", false)
	sender := createUser(t, db, "sender", false)
	post := seedPost(t, db, owner.ID, models.CategoryTank, "Tank LFG")
	reply := &models.Reply{PostID: post.ID, SenderID: sender.ID, Body: "pick me"}
	require.NoError(t, db.Create(reply).Error)

	path := fmt.Sprintf("/api/replies/%d/approve", reply.ID)
	token := tokenFor(t, owner)

	for i := 1; i <= 3; i++ {
		w := doRequest(router, "POST", path, token, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var current models.Reply
		require.NoError(t, db.First(&current, reply.ID).Error)
		assert.True(t, current.Approved)
		// Repeat approvals keep re-sending the notification.
		assert.Equal(t, i, rec.count())
	}
}

func TestApproveReplyOwnerOnly(t *testing.T) {
	db, router, rec := setupTest(t)
	owner := createUser(t, db, "owner", false)
	sender := createUser(t, db, "sender", false)
	post := seedPost(t, db, owner.ID, models.CategoryTank, "Tank LFG")
	reply := &models.Reply{PostID: post.ID, SenderID: sender.ID, Body: "pick me"}
	require.NoError(t, db.Create(reply).Error)

	w := doRequest(router, "POST", fmt.Sprintf("/api/replies/%d/approve", reply.ID), tokenFor(t, sender), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	var current models.Reply
	require.NoError(t, db.First(&current, reply.ID).Error)
	assert.False(t, current.Approved)
	assert.Zero(t, rec.count())
}

func TestDeleteReplyHasNoOwnershipCheck(t *testing.T) {
	db, router, _ := setupTest(t)
	owner := createUser(t, db, "owner", false)
	sender := createUser(t, db, "sender", false)
	bystander := createUser(t, db, "bystander", false)
	post := seedPost(t, db, owner.ID, models.CategoryTank, "Tank LFG")
	reply := &models.Reply{PostID: post.ID, SenderID: sender.ID, Body: "pick me"}
	require.NoError(t, db.Create(reply).Error)

	// Any authenticated user reaching the endpoint can delete.
	w := doRequest(router, "DELETE", fmt.Sprintf("/api/replies/%d", reply.ID), tokenFor(t, bystander), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var count int64
	require.NoError(t, db.Model(&models.Reply{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPrivateReplies(t *testing.T) {
	db, router, _ := setupTest(t)
	owner := createUser(t, db, "owner", false)
	other := createUser(t, db, "other", false)
	sender := createUser(t, db, "sender", false)

	mine1 := seedPost(t, db, owner.ID, models.CategoryTank, "Mine one")
	mine2 := seedPost(t, db, owner.ID, models.CategoryHealer, "Mine two")
	theirs := seedPost(t, db, other.ID, models.CategoryTank, "Not mine")

	require.NoError(t, db.Create(&models.Reply{PostID: mine1.ID, SenderID: sender.ID, Body: "to mine one"}).Error)
	require.NoError(t, db.Create(&models.Reply{PostID: mine2.ID, SenderID: sender.ID, Body: "to mine two"}).Error)
	require.NoError(t, db.Create(&models.Reply{PostID: theirs.ID, SenderID: sender.ID, Body: "to theirs"}).Error)

	token := tokenFor(t, owner)

	w := doRequest(router, "GET", "/api/replies/received", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Replies []models.Reply `json:"replies"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Replies, 2)

	w = doRequest(router, "GET", fmt.Sprintf("/api/replies/received?post=%d", mine1.ID), token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Replies, 1)
	assert.Equal(t, mine1.ID, resp.Replies[0].PostID)
}

// --- Newsletter ---

func TestNewsletterNoRecipients(t *testing.T) {
	db, router, rec := setupTest(t)
	token := tokenFor(t, createUser(t, db, "announcer", false))

	w := doRequest(router, "POST", "/api/newsletter", token, gin.H{
		"subject": "Guild news",
		"message": "Nothing to report.",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, rec.count())
}

func TestNewsletterSendsToOptedInOnly(t *testing.T) {
	db, router, rec := setupTest(t)
	announcer := createUser(t, db, "announcer", false)
	subA := createUser(t, db, "sub-a", true)
	subB := createUser(t, db, "sub-b", true)
	createUser(t, db, "unsubscribed", false)
	require.NoError(t, db.Create(&models.User{
		Username:               "no-email",
		Email:                  "",
		PasswordHash:           "not-a-real-hash",
		SubscribedToNewsletter: true,
	}).Error)

	w := doRequest(router, "POST", "/api/newsletter", tokenFor(t, announcer), gin.H{
		"subject": "Guild news",
		"message": "Raid night moved to <Friday>",
	})
	require.Equal(t, http.StatusOK, w.Code)

	require.Equal(t, 1, rec.count())
	sent := rec.sent[0]
	assert.ElementsMatch(t, []string{subA.Email, subB.Email}, sent.to)
	assert.Equal(t, "Guild news", sent.subject)

	// HTML body plus a derived plain-text alternative.
	assert.Contains(t, sent.html, "<html>")
	assert.Contains(t, sent.html, "&lt;Friday&gt;")
	assert.NotContains(t, sent.plain, "<html>")
	assert.Contains(t, sent.plain, "Raid night moved to <Friday>")
}

func TestNewsletterMidBatchFailure(t *testing.T) {
	db, router, rec := setupTest(t)
	createUser(t, db, "sub-a", true)
	token := tokenFor(t, createUser(t, db, "announcer", false))

	rec.fail = true
	w := doRequest(router, "POST", "/api/newsletter", token, gin.H{
		"subject": "Guild news",
		"message": "Raid night",
	})
	assert.Equal(t, http.StatusBadGateway, w.Code)
}
