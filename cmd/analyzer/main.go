package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"

	"github.com/ledgerlens/backend/internal/config"
	"github.com/ledgerlens/backend/internal/service"
	"github.com/ledgerlens/backend/internal/store"
	"github.com/ledgerlens/backend/pkg/logger"
)

func main() {
	userID := flag.String("user", "", "user id to analyze")
	envFile := flag.String("env-file", "", "optional .env file")
	flag.Parse()

	if err := run(*userID, *envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(userID, envFile string) error {
	if userID == "" {
		return fmt.Errorf("-user is required")
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.AppEnv)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := context.Background()

	var storeImpl store.Store
	if cfg.UseMemoryStore {
		log.Info("using in-memory store")
		storeImpl = store.NewMemoryStore()
	} else {
		if cfg.GoogleCloudProject == "" {
			return fmt.Errorf("GOOGLE_CLOUD_PROJECT is required unless USE_MEMORY_STORE=true")
		}
		client, err := firestore.NewClient(ctx, cfg.GoogleCloudProject)
		if err != nil {
			return fmt.Errorf("create firestore client: %w", err)
		}
		defer client.Close()
		storeImpl = store.NewFirestoreStore(client)
	}

	svc := service.New(storeImpl, cfg, log)
	analysis, err := svc.RunUserAnalysis(ctx, userID)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(analysis, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
