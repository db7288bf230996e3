package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/storeseo/engine/internal/domain"
	"github.com/storeseo/engine/internal/store/postgres"
)

// Command-line tool to register or update a tenant's store credentials and
// plan. A development/operations utility, not a production surface.
func main() {
	name := flag.String("name", "", "Tenant name (required)")
	endpoint := flag.String("endpoint", "", "Store admin API GraphQL endpoint (required)")
	token := flag.String("token", "", "Store admin API access token (required)")
	paid := flag.Bool("paid", false, "Mark the tenant as a paid plan (skips free-tier limits)")

	flag.Parse()

	if *name == "" || *endpoint == "" || *token == "" {
		flag.Usage()
		os.Exit(2)
	}

	dsn := os.Getenv("SEOENGINE_DB_URL")
	if dsn == "" {
		log.Fatal("SEOENGINE_DB_URL environment variable is required")
	}

	ctx := context.Background()

	store, err := postgres.Connect(ctx, postgres.DBConfig{DSN: dsn})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	tenant := &domain.Tenant{
		Name:        *name,
		APIEndpoint: *endpoint,
		APIToken:    *token,
		FreePlan:    !*paid,
	}
	if err := store.UpsertTenant(ctx, tenant); err != nil {
		log.Fatalf("Failed to upsert tenant: %v", err)
	}

	plan := "free"
	if *paid {
		plan = "paid"
	}
	fmt.Printf("Tenant %q stored (%s plan, endpoint %s)\n", tenant.Name, plan, tenant.APIEndpoint)
}
