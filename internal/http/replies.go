package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"guildboard/internal/models"
)

type ReplyInput struct {
	Body string `json:"body" binding:"required,min=1,max=2000"`
}

// notifyAuthor emails the listing owner about a reply. The caller must have
// loaded post.Author.
func (e *Env) notifyAuthor(post *models.Post) error {
	subject := "New reply to your listing"
	body := fmt.Sprintf(
		"Hello!\n\nYour listing %q has received a new reply.\n\nThe Guild Board",
		post.Title,
	)
	return e.Mailer.Send([]string{post.Author.Email}, subject, body, "")
}

// CreateReply persists a reply to a listing and then emails the listing
// owner. The email is sent after the commit, so a transport failure surfaces
// as a request error while the reply stays saved.
func (e *Env) CreateReply(c *gin.Context) {
	postID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid post ID"})
		return
	}

	var input ReplyInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
		return
	}

	var post models.Post
	if err := e.DB.Preload("Author").First(&post, postID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Post not found"})
			return
		}
		log.Printf("Error fetching post %d: %v", postID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create reply"})
		return
	}

	reply := models.Reply{
		PostID:   post.ID,
		SenderID: currentUserID(c),
		Body:     input.Body,
	}
	if err := e.DB.Create(&reply).Error; err != nil {
		log.Printf("Error creating reply: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create reply"})
		return
	}

	if err := e.notifyAuthor(&post); err != nil {
		log.Printf("Error sending reply notification: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Reply saved but notification failed"})
		return
	}

	e.broadcastMessage(WsMessage{Type: "new_reply", Data: reply})

	c.JSON(http.StatusCreated, reply)
}

// PrivateReplies lists every reply to listings the caller owns, optionally
// narrowed to one listing via ?post=. No pagination.
func (e *Env) PrivateReplies(c *gin.Context) {
	q := e.DB.Model(&models.Reply{}).
		Joins("JOIN posts ON posts.id = replies.post_id").
		Where("posts.author_id = ?", currentUserID(c))

	if postParam := c.Query("post"); postParam != "" {
		postID, err := strconv.ParseUint(postParam, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid post ID"})
			return
		}
		q = q.Where("replies.post_id = ?", postID)
	}

	var replies []models.Reply
	if err := q.Order("replies.created_at desc").Find(&replies).Error; err != nil {
		log.Printf("Error fetching private replies: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch replies"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"replies": replies})
}

// ApproveReply flips a reply to approved and emails its listing's owner.
// The flip is one-way, but the email is sent on every call, repeat approvals
// included.
func (e *Env) ApproveReply(c *gin.Context) {
	replyID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid reply ID"})
		return
	}

	var reply models.Reply
	if err := e.DB.Preload("Post.Author").First(&reply, replyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Reply not found"})
			return
		}
		log.Printf("Error fetching reply %d: %v", replyID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to approve reply"})
		return
	}

	if reply.Post.AuthorID != currentUserID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the listing owner can approve replies"})
		return
	}

	if err := e.DB.Model(&reply).Update("approved", true).Error; err != nil {
		log.Printf("Error approving reply %d: %v", replyID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to approve reply"})
		return
	}

	if err := e.notifyAuthor(&reply.Post); err != nil {
		log.Printf("Error sending approval notification: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Reply approved but notification failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"postId": reply.PostID, "approved": true})
}

// DeleteReply removes a reply. Any authenticated caller reaching the route
// may delete; there is no ownership check here.
func (e *Env) DeleteReply(c *gin.Context) {
	replyID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid reply ID"})
		return
	}

	var reply models.Reply
	if err := e.DB.First(&reply, replyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Reply not found"})
			return
		}
		log.Printf("Error fetching reply %d: %v", replyID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete reply"})
		return
	}

	if err := e.DB.Delete(&reply).Error; err != nil {
		log.Printf("Error deleting reply %d: %v", replyID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete reply"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"postId": reply.PostID})
}
