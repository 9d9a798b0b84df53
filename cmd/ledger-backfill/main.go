// ledger-backfill writes the carrier account movements for delivered orders
// that were settled before the ledger existed. Idempotent: orders that
// already have a cod_collected movement are skipped.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	  go run ./cmd/ledger-backfill -store-id <uuid> [-carrier-id N]
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
	storeId := flag.String("store-id", "", "Store to backfill (required)")
	carrierId := flag.Int("carrier-id", 0, "Optional: backfill only one carrier")
	flag.Parse()

	if strings.TrimSpace(*storeId) == "" {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	ctx := context.Background()
	ctx = utils.SetStoreIdInContext(ctx, strings.TrimSpace(*storeId))
	ctx = utils.SetUserIdInContext(ctx, 0)
	ctx = utils.SetUsernameInContext(ctx, "ledger-backfill")

	var carrier *int
	if *carrierId > 0 {
		carrier = carrierId
	}

	written, err := models.BackfillCarrierMovements(ctx, carrier)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backfill failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Backfill complete: %d movements written\n", written)
}
