package http

import (
	"html/template"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"guildboard/internal/mail"
	"guildboard/internal/models"
)

type NewsletterInput struct {
	Subject string `json:"subject" binding:"required,max=255"`
	Message string `json:"message" binding:"required"`
}

var newsletterTemplate = template.Must(template.New("newsletter").Parse(
	`<html><body><p>{{.}}</p><p>The Guild Board</p></body></html>`))

// SendNewsletter sends one bulk email (HTML plus a derived plain-text
// alternative) to every user who opted in and has an email address. The send
// is synchronous and unbatched; a transport failure mid-send is not tracked
// per recipient.
func (e *Env) SendNewsletter(c *gin.Context) {
	var input NewsletterInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
		return
	}

	var recipients []string
	err := e.DB.Model(&models.User{}).
		Where("subscribed_to_newsletter = ? AND email <> ''", true).
		Pluck("email", &recipients).Error
	if err != nil {
		log.Printf("Error fetching newsletter recipients: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send newsletter"})
		return
	}

	if len(recipients) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No subscribed users found"})
		return
	}

	var htmlBody strings.Builder
	if err := newsletterTemplate.Execute(&htmlBody, input.Message); err != nil {
		log.Printf("Error rendering newsletter: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send newsletter"})
		return
	}
	html := htmlBody.String()
	plain := mail.StripTags(html)

	if err := e.Mailer.Send(recipients, input.Subject, plain, html); err != nil {
		log.Printf("Error sending newsletter: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to send newsletter"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Newsletter sent successfully", "recipients": len(recipients)})
}
