package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ruslano69/medgen-etl/pkg/etl"
	"github.com/ruslano69/medgen-etl/pkg/loader"
	_ "github.com/ruslano69/medgen-etl/pkg/loader/mssql"
	_ "github.com/ruslano69/medgen-etl/pkg/loader/mysql"
	_ "github.com/ruslano69/medgen-etl/pkg/loader/postgres"
	_ "github.com/ruslano69/medgen-etl/pkg/loader/redshift"
	_ "github.com/ruslano69/medgen-etl/pkg/loader/sqlite"
	"github.com/ruslano69/medgen-etl/pkg/report"
)

func main() {
	flags := ParseFlags()

	if *flags.Version {
		PrintVersion()
		os.Exit(0)
	}
	if *flags.Help {
		PrintHelp()
		os.Exit(0)
	}
	if *flags.CreateConfig {
		printConfigTemplate()
		return
	}

	setupLogging(*flags.LogLevel)

	ctx := context.Background()

	// Отчет по истории запусков - отдельный режим без запуска ETL
	if *flags.Report != "" {
		dsn := *flags.DSN
		if env := os.Getenv("MEDGEN_DB_DSN"); env != "" {
			dsn = env
		}
		if dsn == "" {
			fatalConfig("-report requires a database DSN (-dsn or MEDGEN_DB_DSN)")
		}
		if err := report.ExportAuditHistory(ctx, dsn, *flags.Report); err != nil {
			fmt.Fprintf(os.Stderr, "Error: audit report failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Audit history exported to %s\n", *flags.Report)
		return
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fatalConfig("%v", err)
	}

	runner := etl.NewRunner(cfg, Version)
	summary, runErr := runner.Run(ctx)

	printSummary(summary)

	if runErr != nil {
		var cfgErr *loader.ConfigError
		if errors.As(runErr, &cfgErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// setupLogging настраивает zerolog: уровень из env/флага, формат
// console по умолчанию, JSON при MEDGEN_LOG_FORMAT=json
func setupLogging(levelFlag string) {
	levelStr := os.Getenv("MEDGEN_LOG_LEVEL")
	if levelStr == "" {
		levelStr = levelFlag
	}
	if levelStr == "" {
		levelStr = "info"
	}

	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if os.Getenv("MEDGEN_LOG_FORMAT") != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// printSummary печатает компактный итог запуска: успех - метрики по
// датасетам, сбой - вид и текст ошибки последней строкой
func printSummary(s *etl.Summary) {
	fmt.Printf("Run %s (%s mode): %s\n", s.RunID, s.Mode, s.Status)
	if s.ReleaseVersion != "" {
		fmt.Printf("MedGen release: %s\n", s.ReleaseVersion)
	}

	for _, d := range s.Datasets {
		fmt.Printf("  %-16s read=%-9d inserted=%-9d updated=%-9d deleted=%-9d (%.1fs)\n",
			d.Dataset, d.RowsRead, d.RowsInserted, d.RowsUpdated, d.RowsDeleted,
			d.Duration.Seconds())
	}

	fmt.Printf("Wall time: %.1fs\n", s.Duration().Seconds())

	if s.Err != nil {
		fmt.Printf("Error: %v\n", s.Err)
	}
}
