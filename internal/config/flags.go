package config

import (
	"flag"
	"os"
	"time"

	"github.com/fieldsync/fieldsync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags:
//
//	-u string   base URL of the collector (default from Config)
//	-f string   form id
//	-d string   SQLite DSN of the local store
//	-t int      submission timeout in seconds
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-u", "-f", "-d", "-t"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.CollectorURL, "u", cfg.CollectorURL, "base URL of the collector")
	fs.StringVar(&cfg.FormID, "f", cfg.FormID, "form id")
	fs.StringVar(&cfg.DatabaseDSN, "d", cfg.DatabaseDSN, "SQLite DSN of the local store")
	submissionTimeout := fs.Int("t", int(cfg.SubmissionTimeout.Seconds()), "submission timeout (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.SubmissionTimeout = time.Duration(*submissionTimeout) * time.Second
}
