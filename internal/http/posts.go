package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"guildboard/internal/groups"
	"guildboard/internal/models"
)

type PostInput struct {
	Category string `json:"category" binding:"required,oneof=TK HL DD TD GM QG SM TN HM WZ"`
	Title    string `json:"title" binding:"required,max=255"`
	Body     string `json:"body" binding:"required"`
	ImageURL string `json:"imageUrl" binding:"omitempty,url"`
	VideoURL string `json:"videoUrl" binding:"omitempty,url"`
}

// ListPosts returns listings newest-first, filtered by an optional
// case-insensitive title substring and an optional exact category, paginated
// at a fixed page size. An unknown category code is ignored rather than
// rejected, falling through to the unfiltered set.
func (e *Env) ListPosts(c *gin.Context) {
	q := e.DB.Model(&models.Post{})

	if title := c.Query("title"); title != "" {
		q = q.Where("LOWER(title) LIKE ?", "%"+strings.ToLower(title)+"%")
	}
	if category := c.Query("category"); models.ValidCategory(category) {
		q = q.Where("category = ?", category)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		log.Printf("Error counting posts: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch posts"})
		return
	}

	page, err := strconv.Atoi(c.Query("page"))
	if err != nil || page < 1 {
		page = 1
	}

	var posts []models.Post
	err = q.Order("created_at desc").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&posts).Error
	if err != nil {
		log.Printf("Error fetching posts: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch posts"})
		return
	}

	totalPages := int((total + pageSize - 1) / pageSize)
	c.JSON(http.StatusOK, gin.H{
		"posts":      posts,
		"page":       page,
		"totalPages": totalPages,
		"total":      total,
	})
}

func (e *Env) GetPost(c *gin.Context) {
	postID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid post ID"})
		return
	}

	var post models.Post
	if err := e.DB.First(&post, postID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Post not found"})
			return
		}
		log.Printf("Error fetching post %d: %v", postID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch post"})
		return
	}

	var replies []models.Reply
	if err := e.DB.Where("post_id = ?", post.ID).Order("created_at asc").Find(&replies).Error; err != nil {
		log.Printf("Error fetching replies for post %d: %v", postID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch post"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"post": post, "replies": replies})
}

func (e *Env) CreatePost(c *gin.Context) {
	var input PostInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
		return
	}

	post := models.Post{
		AuthorID: currentUserID(c),
		Category: input.Category,
		Title:    input.Title,
		Body:     input.Body,
		ImageURL: input.ImageURL,
		VideoURL: input.VideoURL,
	}
	if err := e.DB.Create(&post).Error; err != nil {
		log.Printf("Error creating post: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create post"})
		return
	}

	// Publishing a first listing makes the account an author. Explicit grant,
	// idempotent for every listing after the first.
	author := models.User{ID: post.AuthorID}
	if err := groups.Grant(e.DB, &author, groups.Authors); err != nil {
		log.Printf("Error granting authors group to user %d: %v", post.AuthorID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create post"})
		return
	}

	e.broadcastMessage(WsMessage{Type: "new_post", Data: post})

	c.JSON(http.StatusCreated, post)
}

func (e *Env) UpdatePost(c *gin.Context) {
	postID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid post ID"})
		return
	}

	var input PostInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
		return
	}

	var post models.Post
	if err := e.DB.First(&post, postID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Post not found"})
			return
		}
		log.Printf("Error fetching post %d: %v", postID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update post"})
		return
	}

	post.Category = input.Category
	post.Title = input.Title
	post.Body = input.Body
	post.ImageURL = input.ImageURL
	post.VideoURL = input.VideoURL
	if err := e.DB.Save(&post).Error; err != nil {
		log.Printf("Error updating post %d: %v", postID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update post"})
		return
	}

	c.JSON(http.StatusOK, post)
}

// DeletePost removes a listing and all of its replies in one transaction.
func (e *Env) DeletePost(c *gin.Context) {
	postID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid post ID"})
		return
	}

	err = e.DB.Transaction(func(tx *gorm.DB) error {
		var post models.Post
		if err := tx.First(&post, postID).Error; err != nil {
			return err
		}
		if err := tx.Where("post_id = ?", post.ID).Delete(&models.Reply{}).Error; err != nil {
			return err
		}
		return tx.Delete(&post).Error
	})

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Post not found"})
			return
		}
		log.Printf("Error in delete transaction: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete post"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Post deleted"})
}
