package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hoshikobot/hoshiko/common/environment"
	"github.com/hoshikobot/hoshiko/common/version"
	"github.com/hoshikobot/hoshiko/internal/hoshiko/app"
	"github.com/hoshikobot/hoshiko/internal/hoshiko/dbpool"
	"github.com/hoshikobot/hoshiko/internal/hoshiko/llm"
	"github.com/hoshikobot/hoshiko/internal/hoshiko/matrix"
	"github.com/hoshikobot/hoshiko/internal/hoshiko/memory"
	"github.com/hoshikobot/hoshiko/internal/hoshiko/store"
)

func main() {
	fmt.Printf("Hoshiko\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	hoshiko, err := app.New(context.Background(), config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Hoshiko: %v\n", err)
		os.Exit(1)
	}
	defer hoshiko.Stop()

	if err := hoshiko.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Hoshiko: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from environment variables.
func loadConfig() (*app.Config, error) {
	homeserver, err := environment.RequiredString("MATRIX_HOMESERVER")
	if err != nil {
		return nil, err
	}
	userID, err := environment.RequiredString("MATRIX_USER_ID")
	if err != nil {
		return nil, err
	}
	accessToken, err := environment.RequiredString("MATRIX_ACCESS_TOKEN")
	if err != nil {
		return nil, err
	}

	notes := memory.DefaultNotesConfig()
	notes.UpdateInterval = environment.IntOr("NOTES_UPDATE_INTERVAL", notes.UpdateInterval)
	notes.SimilarityThreshold = environment.Float64Or("NOTES_SIMILARITY_THRESHOLD", notes.SimilarityThreshold)

	world := memory.DefaultWorldConfig()
	world.UpdateThreshold = environment.IntOr("WORLD_UPDATE_THRESHOLD", world.UpdateThreshold)
	world.Cooldown = environment.DurationOr("WORLD_UPDATE_COOLDOWN", world.Cooldown)

	history := memory.DefaultHistoryCacheConfig()
	history.TokenBudget = environment.IntOr("HISTORY_TOKEN_BUDGET", history.TokenBudget)

	pool := dbpool.DefaultConfig()
	pool.MinSize = environment.IntOr("DB_POOL_MIN", pool.MinSize)
	pool.MaxSize = environment.IntOr("DB_POOL_MAX", pool.MaxSize)
	pool.AcquireTimeout = environment.DurationOr("DB_POOL_TIMEOUT", pool.AcquireTimeout)

	return &app.Config{
		DatabasePath: environment.StringOr("DATABASE_PATH", "./hoshiko.db"),
		BotName:      environment.StringOr("BOT_NAME", "Hoshiko"),
		PersonaPath:  environment.StringOr("PERSONA_PATH", "./personas.yaml"),
		Matrix: matrix.Config{
			Homeserver:  homeserver,
			UserID:      userID,
			AccessToken: accessToken,
			AdminUsers:  environment.StringSliceOr("MATRIX_ADMIN_USERS", nil),
		},
		LLM: llm.Config{
			APIKey:  environment.StringOr("LLM_API_KEY", ""),
			BaseURL: environment.StringOr("LLM_BASE_URL", ""),
			Model:   environment.StringOr("LLM_MODEL", ""),
			Timeout: environment.DurationOr("LLM_TIMEOUT", 0),
		},
		Pool:     pool,
		Writer:   store.DefaultInteractionWriterConfig(),
		UserLogs: store.DefaultUserLogsConfig(),
		Notes:    notes,
		World:    world,
		History:  history,
		HTTPAddr: environment.StringOr("HTTP_ADDR", ""),
	}, nil
}
