// Package main implements a one-shot seed command for development setups: it
// mints an API key (printed once, never recoverable afterwards) and can
// register a demo workflow so a fresh database has something to execute.
//
// Usage:
//
//	go run ./cmd/seed --name ci-bot --admin
//	go run ./cmd/seed --demo-workflow
//
// Environment variables:
//
//	DATABASE_URL        SQLite file path or Postgres URL (default: ./bifrost.db)
//	BIFROST_SECRET_KEY  Master encryption key — must match the running fabric
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bifrost-io/bifrost/internal/auth"
	"github.com/bifrost-io/bifrost/internal/db"
	"github.com/bifrost-io/bifrost/internal/repositories"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	name := flag.String("name", "dev-key", "API key display name")
	admin := flag.Bool("admin", false, "Grant the key admin scope")
	demoWorkflow := flag.Bool("demo-workflow", false, "Also register a demo workflow")
	flag.Parse()

	dsn := envOrDefault("DATABASE_URL", "./bifrost.db")

	secretKey := os.Getenv("BIFROST_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf(
			"BIFROST_SECRET_KEY is not set\n" +
				"  Set it to the same value used by the fabric, otherwise\n" +
				"  encrypted columns written here will be unreadable later.",
		)
	}
	if err := db.InitEncryption([]byte(secretKey)); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		URL:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close(database) //nolint:errcheck

	ctx := context.Background()

	keyID := uuid.New()
	raw, hash, err := auth.GenerateAPIKey(keyID)
	if err != nil {
		return err
	}

	row := &db.APIKey{
		Name:     *name,
		KeyHash:  hash,
		IsAdmin:  *admin,
		IsActive: true,
	}
	row.ID = keyID
	if err := repositories.NewAPIKeyRepository(database).Create(ctx, row); err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Printf("✓ API key created\n")
	fmt.Printf("  ID:    %s\n", row.ID)
	fmt.Printf("  Name:  %s\n", row.Name)
	fmt.Printf("  Admin: %v\n", row.IsAdmin)
	fmt.Printf("  Key:   %s\n", raw)
	fmt.Printf("  (store the key now — only its hash is kept)\n")

	if *demoWorkflow {
		wf := &db.Workflow{
			Name:            "hello_fabric",
			FunctionName:    "hello_fabric",
			Description:     "Demo workflow seeded for development",
			ParameterSchema: `{"type":"object","properties":{"who":{"type":"string"}}}`,
			TimeoutSeconds:  60,
			IsActive:        true,
			Code: `function hello_fabric(params) {
  console.log("hello, " + (params.who || "fabric"));
  return { greeted: params.who || "fabric" };
}`,
		}
		if err := repositories.NewWorkflowRepository(database).Upsert(ctx, wf); err != nil {
			return fmt.Errorf("seed workflow: %w", err)
		}
		fmt.Printf("✓ Workflow %q registered (%s)\n", wf.Name, wf.ID)
	}

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
