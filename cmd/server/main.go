package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"guildboard/internal/db"
	"guildboard/internal/groups"
	routes "guildboard/internal/http"
	"guildboard/internal/mail"
	"guildboard/internal/models"
	"guildboard/internal/ws"
)

func main() {
	// Load .env first so everything after sees the configuration. Running
	// without one is fine in production where env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading from environment")
	}

	// 1. Initialize Database
	database, err := db.Init()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// 2. Run Migrations
	log.Println("Running database migrations...")
	if err := database.AutoMigrate(
		&models.User{}, &models.Group{}, &models.Post{}, &models.Reply{},
	); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Migrations complete.")

	// The editors group carries the post_edit permission; membership is
	// managed out of band.
	if _, err := groups.Ensure(database, groups.Editors, []string{groups.PermPostEdit}); err != nil {
		log.Fatalf("Failed to bootstrap editors group: %v", err)
	}

	// 3. Initialize WebSocket Hub
	hub := ws.NewHub()
	go hub.Run()

	// 4. Initialize Mailer and Gin Router
	mailer := mail.NewSMTPMailer()
	router := gin.New()

	// 5. Setup Routes
	routes.SetupRoutes(router, database, hub, mailer)

	// 6. Start Server with Graceful Shutdown
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Server listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exiting")
}
