// seed registers an approved user with account bindings for local testing, and optionally
// stores runtime setting overrides. Run via go run ./cmd/seed -telegram-id 12345 -accounts alice.
// Idempotent: an existing user is updated in place and bindings are upserted.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/config"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/db"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/db/migrate"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/security"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/settings"
	settingsrepo "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/settings/repository"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/user/domain"
	userrepo "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/user/repository"
)

func main() {
	telegramID := flag.Int64("telegram-id", 0, "Telegram user id of the person to register (required)")
	name := flag.String("name", "Dev User", "Display name")
	accounts := flag.String("accounts", "", "Comma-separated router accounts to bind")
	ruleComment := flag.String("rule-comment", "", "Firewall comment fragment for the user's grant rule")
	ruleID := flag.String("rule-id", "", "Firewall rule id (e.g. *1A) for the user's grant rule")
	policyFile := flag.String("policy-file", "", "Rego file stored as the confirmation policy override")
	routerPassword := flag.String("router-password", "", "Router password stored sealed (requires SETTINGS_KEY)")
	flag.Parse()

	if *telegramID == 0 {
		log.Fatal("-telegram-id is required")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}
	if err := migrate.Run(cfg.DatabaseURL, "up"); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	users := userrepo.NewSQLRepository(conn)
	now := time.Now().UTC()

	u, err := users.GetByTelegramID(ctx, *telegramID)
	if err != nil {
		log.Fatalf("lookup user: %v", err)
	}
	if u == nil {
		u = &domain.User{ID: uuid.NewString(), TelegramID: *telegramID, FullName: *name, CreatedAt: now}
		u.Status = domain.UserStatusApproved
		u.ApprovedAt = &now
		u.FirewallRuleID = *ruleID
		u.FirewallRuleComment = *ruleComment
		if err := users.Create(ctx, u); err != nil {
			log.Fatalf("create user: %v", err)
		}
		log.Printf("created user %s (telegram %d)", u.ID, u.TelegramID)
	} else {
		u.Status = domain.UserStatusApproved
		if u.ApprovedAt == nil {
			u.ApprovedAt = &now
		}
		if *ruleID != "" {
			u.FirewallRuleID = *ruleID
		}
		if *ruleComment != "" {
			u.FirewallRuleComment = *ruleComment
		}
		if err := users.Update(ctx, u); err != nil {
			log.Fatalf("update user: %v", err)
		}
		log.Printf("user %s already exists; approved", u.ID)
	}

	for _, account := range strings.Split(*accounts, ",") {
		account = strings.TrimSpace(account)
		if account == "" {
			continue
		}
		err := users.BindAccount(ctx, &domain.AccountBinding{
			ID:          uuid.NewString(),
			UserID:      u.ID,
			AccountName: account,
			Active:      true,
			CreatedAt:   now,
		})
		if err != nil {
			log.Fatalf("bind %s: %v", account, err)
		}
		log.Printf("bound account %s", account)
	}

	if *policyFile == "" && *routerPassword == "" {
		return
	}
	key, err := cfg.SettingsKeyBytes()
	if err != nil {
		log.Fatalf("settings key: %v", err)
	}
	sealer, err := security.NewSealer(key)
	if err != nil {
		log.Fatalf("sealer: %v", err)
	}
	overrides := settingsrepo.NewSQLRepository(conn, sealer)
	if *policyFile != "" {
		src, err := os.ReadFile(*policyFile)
		if err != nil {
			log.Fatalf("read policy: %v", err)
		}
		if err := overrides.Set(ctx, settingsrepo.Setting{Key: settings.KeyConfirmationPolicy, Value: string(src)}); err != nil {
			log.Fatalf("store policy: %v", err)
		}
		log.Printf("stored confirmation policy from %s", *policyFile)
	}
	if *routerPassword != "" {
		if err := overrides.Set(ctx, settingsrepo.Setting{Key: settings.KeyMikrotikPassword, Value: *routerPassword, Secret: true}); err != nil {
			log.Fatalf("store router password: %v", err)
		}
		log.Print("stored sealed router password")
	}
}
