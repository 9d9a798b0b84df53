// seed-admin bootstraps a store with its owner login so a fresh environment
// has something to log in with.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	  go run ./cmd/seed-admin -name "Tienda Demo" -email owner@demo.test
//
// The owner is created with the default password; change it after first login.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/codops_backend/config"
	"bitbucket.org/mmdatafocus/codops_backend/models"
	"bitbucket.org/mmdatafocus/codops_backend/utils"
	"github.com/joho/godotenv"
)

func main() {
	name := flag.String("name", "", "Store name (required)")
	email := flag.String("email", "", "Owner email, doubles as the login username (required)")
	phone := flag.String("phone", "", "Optional store phone")
	timezone := flag.String("timezone", "", "Optional IANA timezone (default America/Asuncion)")
	flag.Parse()

	if strings.TrimSpace(*name) == "" || strings.TrimSpace(*email) == "" {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	// No tenant exists yet, so the guard has to be bypassed for the seed.
	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 0)
	ctx = utils.SetUsernameInContext(ctx, "seed-admin")
	ctx = utils.SetIsAdminInContext(ctx, true)
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)

	store, err := models.CreateStore(ctx, &models.NewStore{
		Name:     strings.TrimSpace(*name),
		Email:    strings.TrimSpace(*email),
		Phone:    strings.TrimSpace(*phone),
		Timezone: strings.TrimSpace(*timezone),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create store: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Created store %q (id=%s) with owner login %q\n", store.Name, store.ID, *email)
}
