// seed creates the admin account from ADMIN_USERNAME and ADMIN_PASSWORD. Run via go run ./cmd/seed.
// Idempotent: an existing account with that username is left untouched.
package main

import (
	"context"
	"errors"
	"log"
	"time"

	"nicknamer/server/internal/config"
	"nicknamer/server/internal/db"
	identityservice "nicknamer/server/internal/identity/service"
	"nicknamer/server/internal/security"
	sessionrepo "nicknamer/server/internal/session/repository"
	userdomain "nicknamer/server/internal/user/domain"
	userrepo "nicknamer/server/internal/user/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		log.Fatal("ADMIN_USERNAME and ADMIN_PASSWORD must be set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer conn.Close()

	// Register never signs tokens, so the codec only needs a valid key.
	key, err := security.LoadSigningKey(cfg.JWTSecret, cfg.JWTPrivateKey, cfg.JWTPublicKey)
	if err != nil {
		log.Fatalf("signing key: %v", err)
	}
	auth := identityservice.NewAuthService(
		userrepo.NewPostgresRepository(conn),
		sessionrepo.NewPostgresRepository(conn),
		security.NewHasher(cfg.BcryptCost),
		security.NewCodec(key, cfg.JWTIssuer, cfg.JWTAudience),
		identityservice.Config{TokenTTL: cfg.TokenTTL(), SessionTTL: cfg.SessionTTL(), Store: db.DefaultRetryPolicy()},
	)

	u, err := auth.Register(ctx, cfg.AdminUsername, cfg.AdminPassword, []userdomain.Role{userdomain.RoleAdmin, userdomain.RoleMember})
	if errors.Is(err, identityservice.ErrUsernameTaken) {
		log.Printf("seed: %s already exists, skipping", cfg.AdminUsername)
		return
	}
	if err != nil {
		log.Fatalf("seed: %v", err)
	}
	log.Printf("seed: created admin %s (%s)", u.Username, u.ID)
}
