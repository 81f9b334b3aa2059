// seed-admin creates or updates the admin console user.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	SEED_ADMIN_EMAIL=ops@example.com SEED_ADMIN_PASSWORD=... go run ./cmd/seed-admin
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/opsfeedback_backend/config"
	"github.com/mmdatafocus/opsfeedback_backend/models"
	"gorm.io/gorm"
)

const defaultAdminName = "Ops Admin"

func main() {
	ctx := context.Background()
	email := strings.ToLower(strings.TrimSpace(os.Getenv("SEED_ADMIN_EMAIL")))
	password := os.Getenv("SEED_ADMIN_PASSWORD")
	if email == "" || password == "" {
		fmt.Fprintln(os.Stderr, "SEED_ADMIN_EMAIL and SEED_ADMIN_PASSWORD are required")
		os.Exit(2)
	}
	name := config.StringFromEnv("SEED_ADMIN_NAME", defaultAdminName)

	db, err := config.ConnectDatabaseWithRetry()
	if err != nil {
		fmt.Fprintf(os.Stderr, "database not configured: %v\n", err)
		os.Exit(1)
	}
	if err := models.MigrateTable(db); err != nil {
		fmt.Fprintf(os.Stderr, "failed to migrate: %v\n", err)
		os.Exit(1)
	}

	var existing models.AppUser
	err = db.WithContext(ctx).Where("email = ?", email).Take(&existing).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			fmt.Fprintf(os.Stderr, "failed to lookup user: %v\n", err)
			os.Exit(1)
		}
		user, err := models.CreateUser(ctx, db, &models.NewAppUser{
			Name:     name,
			Email:    email,
			Password: password,
			Role:     string(models.UserRoleAdmin),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create admin user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created admin user: email=%q id=%d\n", user.Email, user.ID)
		return
	}

	// Existing user: reset password, promote and re-enable.
	if _, err := models.ResetUserPassword(ctx, db, existing.ID, password); err != nil {
		fmt.Fprintf(os.Stderr, "failed to reset password: %v\n", err)
		os.Exit(1)
	}
	if _, err := models.SetUserRole(ctx, db, existing.ID, string(models.UserRoleAdmin)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set role: %v\n", err)
		os.Exit(1)
	}
	if _, err := models.SetUserActive(ctx, db, existing.ID, true); err != nil {
		fmt.Fprintf(os.Stderr, "failed to activate user: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Updated admin user: email=%q id=%d\n", email, existing.ID)
}
