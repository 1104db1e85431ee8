package main

import (
	"log"
	"os"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/aurahq/auratrack/pkg/auratrack/admin"
	"github.com/aurahq/auratrack/pkg/auratrack/auth"
	"github.com/aurahq/auratrack/pkg/auratrack/database"
	"github.com/aurahq/auratrack/pkg/auratrack/groups"
	"github.com/aurahq/auratrack/pkg/auratrack/history"
	"github.com/aurahq/auratrack/pkg/auratrack/incidents"
	"github.com/aurahq/auratrack/pkg/auratrack/models"

	_ "github.com/aurahq/auratrack/api/swagger"
)

// @title Auratrack API
// @version 1.0
// @description Group-based reputation tracking: report incidents, vote on them, and audit every aura change.

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description JWT token. Format: "Bearer {token}"

func main() {
	// Get database path from environment or use default
	dbPath := os.Getenv("AURATRACK_DB_PATH")
	if dbPath == "" {
		dbPath = "auratrack.db"
	}

	// Connect to database
	if err := database.Connect(dbPath); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Run auto-migrations
	if err := models.AutoMigrate(database.GetDB()); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Database migrations completed")

	// Create default admin user if no admin exists
	if err := ensureAdminExists(); err != nil {
		log.Fatalf("Failed to ensure admin user exists: %v", err)
	}

	// Set up Gin router
	r := gin.Default()

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})

	// Swagger documentation
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// API routes
	api := r.Group("/api")
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{
				"status":  "ok",
				"service": "auratrack",
			})
		})

		// Auth routes (public)
		authHandler := auth.NewHandler(database.GetDB())
		authHandler.RegisterRoutes(api.Group("/auth"))

		// Groups routes (protected)
		groupsHandler := groups.NewHandler(database.GetDB())
		groupsGroup := api.Group("/groups")
		groupsGroup.Use(auth.AuthMiddleware())
		groupsHandler.RegisterRoutes(groupsGroup)
		groupsHandler.RegisterMemberRoutes(groupsGroup)

		// Incidents routes (protected); the per-group feed hangs off /groups
		incidentsHandler := incidents.NewHandler(database.GetDB())
		incidentsHandler.RegisterRoutes(api.Group("/incidents", auth.AuthMiddleware()))
		incidentsHandler.RegisterGroupRoutes(groupsGroup)

		// Aura history routes (protected)
		historyHandler := history.NewHandler(database.GetDB())
		historyHandler.RegisterRoutes(api.Group("/history", auth.AuthMiddleware()))

		// Admin routes (admin role required)
		adminHandler := admin.NewHandler(database.GetDB())
		adminGroup := api.Group("/admin")
		adminGroup.Use(auth.AuthMiddleware(), auth.RequireAdmin())
		adminHandler.RegisterRoutes(adminGroup)
	}

	// Get port from environment or use default
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Starting Auratrack server on :%s", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// ensureAdminExists creates a default admin user if no admin exists in the database.
func ensureAdminExists() error {
	db := database.GetDB()

	// Check if any admin user exists
	var count int64
	if err := db.Model(&models.User{}).Where("role = ?", models.RoleAdmin).Count(&count).Error; err != nil {
		return err
	}

	if count > 0 {
		return nil // Admin already exists
	}

	// Create default admin user
	hashedPassword, err := auth.HashPassword("changeme")
	if err != nil {
		return err
	}

	adminUser := models.User{
		Email:        "admin@auratrack.local",
		Name:         "Admin",
		PasswordHash: hashedPassword,
		Role:         models.RoleAdmin,
	}

	if err := db.Create(&adminUser).Error; err != nil {
		return err
	}

	log.Printf("Created default admin user: admin@auratrack.local (password: changeme)")
	return nil
}
