//cmd/seeder/main.go
package main

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/unclebandit/notification-campaigns/internal/config"
	"github.com/unclebandit/notification-campaigns/internal/db"
	"github.com/unclebandit/notification-campaigns/internal/logger"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.DB, log)
	if err != nil {
		log.Fatal("failed to connect", zap.Error(err))
	}
	defer conn.Close()

	files, err := sqlFiles(config.GetEnv("MIGRATIONS_DIR", "migrations"))
	if err != nil {
		log.Fatal("failed to list migrations", zap.Error(err))
	}
	if os.Getenv("SKIP_SEED") == "" {
		seeds, err := sqlFiles(config.GetEnv("SEED_DIR", "seed"))
		if err != nil {
			log.Fatal("failed to list seed files", zap.Error(err))
		}
		files = append(files, seeds...)
	}

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			log.Fatal("failed to read", zap.String("file", file), zap.Error(err))
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			log.Fatal("failed to execute", zap.String("file", file), zap.Error(err))
		}
		log.Info("applied", zap.String("file", file))
	}
	log.Info("database seeding completed", zap.Int("files", len(files)))
}

// sqlFiles lists dir/*.sql in name order.
func sqlFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
