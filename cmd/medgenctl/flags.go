package main

import (
	"flag"
	"fmt"
	"os"
)

// Flags - аргументы командной строки medgenctl
type Flags struct {
	Config         *string
	Mode           *string
	DownloadDir    *string
	DSN            *string
	Datasets       *string
	MaxParseErrors *int
	NoVerify       *bool
	SkipDownload   *bool
	LogLevel       *string
	Report         *string
	CreateConfig   *bool
	Version        *bool
	Help           *bool
}

// ParseFlags разбирает аргументы командной строки
func ParseFlags() *Flags {
	flags := &Flags{
		Config:         flag.String("config", "", "Path to YAML pipeline config"),
		Mode:           flag.String("mode", "", "Load mode: full or delta"),
		DownloadDir:    flag.String("download-dir", "", "Directory for downloaded source files"),
		DSN:            flag.String("dsn", "", "Database connection string (env MEDGEN_DB_DSN overrides)"),
		Datasets:       flag.String("datasets", "", "Comma-separated dataset subset (default: all)"),
		MaxParseErrors: flag.Int("max-parse-errors", -1, "Tolerated malformed rows per file"),
		NoVerify:       flag.Bool("no-verify", false, "Skip checksum verification"),
		SkipDownload:   flag.Bool("skip-download", false, "Load from files already in download-dir"),
		LogLevel:       flag.String("log-level", "", "Log level: trace|debug|info|warn|error (env MEDGEN_LOG_LEVEL overrides)"),
		Report:         flag.String("report", "", "Export audit history to XLSX file and exit"),
		CreateConfig:   flag.Bool("create-config", false, "Print a config template and exit"),
		Version:        flag.Bool("version", false, "Print version and exit"),
		Help:           flag.Bool("help", false, "Print help and exit"),
	}

	flag.Usage = PrintHelp
	flag.Parse()
	return flags
}

// fatalConfig печатает ошибку конфигурации и выходит с кодом 2
func fatalConfig(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(2)
}
