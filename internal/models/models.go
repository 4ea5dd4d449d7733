package models

import (
	"time"

	"gorm.io/datatypes"
)

// Category codes for listings. The board serves an MMO guild, so listings
// are grouped by the role being advertised or sought.
const (
	CategoryTank        = "TK"
	CategoryHealer      = "HL"
	CategoryDamage      = "DD"
	CategoryTrader      = "TD"
	CategoryGuildMaster = "GM"
	CategoryQuestGiver  = "QG"
	CategorySmith       = "SM"
	CategoryTanner      = "TN"
	CategoryPotionMaker = "HM"
	CategorySpellMaster = "WZ"
)

// Categories lists every valid category code.
var Categories = []string{
	CategoryTank, CategoryHealer, CategoryDamage, CategoryTrader,
	CategoryGuildMaster, CategoryQuestGiver, CategorySmith,
	CategoryTanner, CategoryPotionMaker, CategorySpellMaster,
}

// ValidCategory reports whether code is one of the fixed category codes.
func ValidCategory(code string) bool {
	for _, c := range Categories {
		if c == code {
			return true
		}
	}
	return false
}

// User is an account on the board.
type User struct {
	ID                     uint      `gorm:"primarykey" json:"id"`
	Username               string    `gorm:"uniqueIndex;not null" json:"username"`
	Email                  string    `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash           string    `gorm:"not null" json:"-"`
	SubscribedToNewsletter bool      `gorm:"not null;default:false" json:"subscribedToNewsletter"`
	CreatedAt              time.Time `json:"createdAt"`
	Groups                 []Group   `gorm:"many2many:user_groups;" json:"-"`
}

// Post is a single listing, owned by exactly one author.
type Post struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	AuthorID  uint      `gorm:"not null;index" json:"authorId"`
	Author    User      `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Category  string    `gorm:"not null;default:TK" json:"category"`
	Title     string    `gorm:"not null" json:"title"`
	Body      string    `gorm:"not null" json:"body"`
	ImageURL  string    `json:"imageUrl,omitempty"`
	VideoURL  string    `json:"videoUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Replies   []Reply   `gorm:"foreignKey:PostID;constraint:OnDelete:CASCADE" json:"-"`
}

// Reply is a response to a listing. It starts unapproved; approval by the
// listing owner flips Approved, and the flip is one-way.
type Reply struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	PostID    uint      `gorm:"not null;index" json:"postId"`
	Post      Post      `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	SenderID  uint      `gorm:"not null;index" json:"senderId"`
	Sender    User      `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Body      string    `gorm:"not null" json:"body"`
	Approved  bool      `gorm:"not null;default:false" json:"approved"`
	CreatedAt time.Time `json:"createdAt"`
}

// Group is a named set of users carrying a list of permission strings.
type Group struct {
	ID          uint           `gorm:"primarykey" json:"id"`
	Name        string         `gorm:"uniqueIndex;not null" json:"name"`
	Permissions datatypes.JSON `json:"permissions"`
	Users       []User         `gorm:"many2many:user_groups;" json:"-"`
}
