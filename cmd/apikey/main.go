// Command apikey mints an API key for the default tenant and prints it once.
// Only the bcrypt hash is stored.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/kiranshivaraju/evalrunner/internal/api/middleware"
	"github.com/kiranshivaraju/evalrunner/internal/config"
	"github.com/kiranshivaraju/evalrunner/internal/store"
	"github.com/kiranshivaraju/evalrunner/pkg/models"
)

const (
	keyPrefix   = "er_"
	secretBytes = 24
)

// keyStore is the part of store.Store the command needs.
type keyStore interface {
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	var (
		name   = flag.String("name", "", "Human-readable key name (required)")
		scopes = flag.String("scopes", mw.ScopeRead+","+mw.ScopeWrite, "Comma-separated scopes")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: apikey -name <name> [-scopes read,write]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if strings.TrimSpace(*name) == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*name, parseScopes(*scopes)); err != nil {
		slog.Error("apikey failed", "error", err)
		os.Exit(1)
	}
}

func run(name string, scopes []string) error {
	dbCfg, err := config.LoadDatabase()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := store.Connect(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := store.RunMigrations(dbCfg.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	raw, key, err := mint(ctx, store.NewPostgresStore(pool), rand.Reader, name, scopes, time.Now().UTC())
	if err != nil {
		return err
	}
	slog.Info("api key created", "key_id", key.ID, "tenant_id", key.TenantID, "key_prefix", key.KeyPrefix, "scopes", key.Scopes)

	fmt.Println(raw)
	fmt.Fprintln(os.Stderr, "Store this key now; it cannot be shown again.")
	return nil
}

// mint generates a raw key, stores its hash for the default tenant and
// returns both.
func mint(ctx context.Context, s keyStore, entropy io.Reader, name string, scopes []string, now time.Time) (string, *models.APIKey, error) {
	if len(scopes) == 0 {
		return "", nil, errors.New("at least one scope is required")
	}

	tenant, err := s.GetDefaultTenant(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("get default tenant: %w", err)
	}

	secret := make([]byte, secretBytes)
	if _, err := io.ReadFull(entropy, secret); err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	raw := keyPrefix + base64.RawURLEncoding.EncodeToString(secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash key: %w", err)
	}

	key := &models.APIKey{
		ID:        uuid.New(),
		TenantID:  tenant.ID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:mw.KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("store key: %w", err)
	}
	return raw, key, nil
}

func parseScopes(s string) []string {
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}
