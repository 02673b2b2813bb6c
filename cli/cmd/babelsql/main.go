package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/loquelabs/babelsql/agent/pkg/retriever"
	"github.com/loquelabs/babelsql/agent/pkg/workflow"
	"github.com/loquelabs/babelsql/store"
	"github.com/loquelabs/babelsql/utils/pkg/logger"
)

// backend is the slice of the store surface the CLI drives.
type backend interface {
	workflow.SchemaFetcher
	workflow.Querier
	workflow.SyntaxVerifier
	Catalog(ctx context.Context) ([]store.Table, error)
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Database configuration
	dbFlag := flag.String("db", "data/demo.db", "SQLite database path (or set DATABASE_PATH env var)")
	dbURLFlag := flag.String("db-url", "", "Postgres connection URL (or set DATABASE_URL env var)")

	// Model configuration
	modelFlag := flag.String("model", "", "Anthropic model name (or set ANTHROPIC_MODEL env var)")
	maxRetriesFlag := flag.Int("max-retries", workflow.DefaultMaxRetries, "Maximum SQL regeneration attempts per question")

	// Commands
	questionFlag := flag.String("question", "", "Ask a single question and exit")
	showSchemaFlag := flag.Bool("show-schema", false, "Print the database schema and exit")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show demo database migration status and exit")

	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if envPath := os.Getenv("DATABASE_PATH"); envPath != "" {
		*dbFlag = envPath
	}
	if envURL := os.Getenv("DATABASE_URL"); envURL != "" {
		*dbURLFlag = envURL
	}
	if envModel := os.Getenv("ANTHROPIC_MODEL"); envModel != "" {
		*modelFlag = envModel
	}

	ctx := context.Background()

	db, err := openBackend(ctx, log, *dbURLFlag, *dbFlag)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn("failed to close database", "error", err)
		}
	}()

	if *migrateStatusFlag {
		sqlite, ok := db.(*store.SQLite)
		if !ok {
			return errors.New("--migrate-status applies to the embedded SQLite database only")
		}
		return sqlite.MigrationStatus(ctx)
	}

	if *showSchemaFlag {
		return printSchema(ctx, db)
	}

	engine, err := buildEngine(ctx, log, db, *modelFlag, *maxRetriesFlag)
	if err != nil {
		return err
	}

	if *questionFlag != "" {
		result, err := engine.Run(ctx, *questionFlag)
		if err != nil {
			return err
		}
		printResult(result)
		return nil
	}

	return repl(ctx, engine)
}

func openBackend(ctx context.Context, log *slog.Logger, dbURL, dbPath string) (backend, error) {
	if dbURL != "" {
		return store.NewPostgres(ctx, &store.PostgresConfig{
			Logger: log,
			DSN:    dbURL,
			Schema: os.Getenv("DATABASE_SCHEMA"),
		})
	}
	return store.NewSQLite(ctx, &store.SQLiteConfig{
		Logger:  log,
		Path:    dbPath,
		Migrate: true,
		Seed:    true,
	})
}

func buildEngine(ctx context.Context, log *slog.Logger, db backend, model string, maxRetries int) (*workflow.Engine, error) {
	llm, err := workflow.NewAnthropicClient(&workflow.AnthropicConfig{
		Logger: log,
		Model:  anthropic.Model(model),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}

	prompts, err := workflow.LoadPrompts()
	if err != nil {
		return nil, err
	}

	index, err := retriever.NewIndex(ctx, &retriever.Config{Logger: log})
	if err != nil {
		return nil, err
	}

	engine, err := workflow.New(&workflow.Config{
		Logger:        log,
		LLM:           llm,
		Translator:    workflow.NewLLMTranslator(log, llm, prompts),
		Retriever:     index,
		Querier:       db,
		SchemaFetcher: db,
		Verifier:      db,
		Prompts:       prompts,
		MaxRetries:    maxRetries,
		OnProgress: func(p workflow.Progress) {
			log.Debug("stage finished",
				"stage", string(p.Stage),
				"attempt", p.Attempt,
				"elapsed", p.Elapsed,
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow engine: %w", err)
	}
	return engine, nil
}

func printSchema(ctx context.Context, db backend) error {
	tables, err := db.Catalog(ctx)
	if err != nil {
		return fmt.Errorf("failed to read database catalog: %w", err)
	}
	for _, table := range tables {
		fmt.Printf("%s (%d rows)\n", table.Name, table.RowCount)
		for _, col := range table.Columns {
			var marks string
			if col.PrimaryKey {
				marks += " PK"
			}
			if col.NotNull {
				marks += " NOT NULL"
			}
			fmt.Printf("  %-24s %s%s\n", col.Name, col.Type, marks)
		}
		fmt.Println()
	}
	return nil
}

func printResult(res *workflow.Result) {
	fmt.Println(res.Answer)
	if res.SQL != "" {
		fmt.Printf("\nSQL: %s\n", res.SQL)
	}
	if !res.Failed() {
		fmt.Printf("(%d rows in %s)\n", res.RowCount, res.Duration.Round(time.Millisecond))
	}
}

func repl(ctx context.Context, engine *workflow.Engine) error {
	fmt.Println(`Ask a question in any language. Type "exit" to quit.`)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if low := strings.ToLower(line); low == "exit" || low == "quit" {
			return nil
		}

		result, err := engine.Run(ctx, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		printResult(result)
		fmt.Println()
	}
}
