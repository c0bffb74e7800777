package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"collabcore/backend/config"
	"collabcore/backend/internal/entity"
	"collabcore/backend/internal/platform/logger"
	"collabcore/backend/internal/store"
)

var (
	configFlag string
	memoryFlag bool
	seedFlag   []string
	rootCmd    = &cobra.Command{
		Use:           "collabctl",
		Short:         "Inspect collaborative documents in the store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	log := logger.Console("collabctl")
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// openStore builds the store the commands read from.
func openStore(ctx context.Context) (store.Store, error) {
	if memoryFlag {
		return seededMemoryStore(ctx, seedFlag)
	}
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Kind == config.StoreMemory {
		return seededMemoryStore(ctx, seedFlag)
	}
	db, err := store.OpenMySQL(cfg.Mysql.DSN, store.MySQLOptions{MaxOpenConns: 2})
	if err != nil {
		return nil, err
	}
	return store.NewGormStore(db), nil
}

func seededMemoryStore(ctx context.Context, files []string) (*store.MemoryStore, error) {
	st := store.NewMemoryStore()
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		var doc entity.Document
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f, err)
		}
		if doc.ID == "" {
			return nil, fmt.Errorf("decode %s: document without id", f)
		}
		if err := st.SaveDocument(ctx, &doc); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Path to collabConfig.yaml (default: search paths)")
	rootCmd.PersistentFlags().BoolVar(&memoryFlag, "memory", false, "Use an in-memory store instead of MySQL")
	rootCmd.PersistentFlags().StringSliceVar(&seedFlag, "seed", nil, "Document JSON files loaded into the in-memory store")
	cobra.OnInitialize(func() {
		_ = logger.SetLevel("warn")
	})
}
