package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"

	"github.com/quailyard/tweetvault"
	"github.com/quailyard/tweetvault/store"
)

func main() {
	app := cli.App{
		Name:      "tweetvault",
		Usage:     "incremental archiver for a public account's posts and media",
		ArgsUsage: "<handle>",
		Version:   tweetvault.Version,
		Action:    run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data-dir",
				EnvVars: []string{"TWEETVAULT_DATA_DIR"},
				Value:   ".",
			},
			&cli.IntFlag{
				Name:    "page-limit",
				EnvVars: []string{"TWEETVAULT_PAGE_LIMIT"},
				Usage:   "stop each range after this many pages (0 = unlimited)",
			},
			&cli.DurationFlag{
				Name:    "page-delay",
				EnvVars: []string{"TWEETVAULT_PAGE_DELAY"},
				Value:   1500 * time.Millisecond,
			},
			&cli.IntFlag{
				Name:    "max-retries",
				EnvVars: []string{"TWEETVAULT_MAX_RETRIES"},
				Value:   3,
			},
			&cli.BoolFlag{
				Name:    "skip-tweets",
				EnvVars: []string{"TWEETVAULT_SKIP_TWEETS"},
				Usage:   "skip the post sync, only fetch pending media",
			},
			&cli.BoolFlag{
				Name:    "skip-images",
				EnvVars: []string{"TWEETVAULT_SKIP_IMAGES"},
			},
			&cli.BoolFlag{
				Name:    "skip-videos",
				EnvVars: []string{"TWEETVAULT_SKIP_VIDEOS"},
			},
			&cli.BoolFlag{
				Name:    "skip-media",
				EnvVars: []string{"TWEETVAULT_SKIP_MEDIA"},
			},
			&cli.BoolFlag{
				Name:    "no-update",
				EnvVars: []string{"TWEETVAULT_NO_UPDATE"},
				Usage:   "only backfill older posts, do not look for newer ones",
			},
			&cli.StringFlag{
				Name:    "export",
				EnvVars: []string{"TWEETVAULT_EXPORT"},
				Usage:   "write the archive as csv to this file after syncing",
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				EnvVars: []string{"TWEETVAULT_METRICS_ADDR"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				EnvVars: []string{"TWEETVAULT_LOG_LEVEL"},
				Value:   "info",
			},
		},
		ErrWriter: os.Stderr,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var run = func(cmd *cli.Context) error {
	handle := cmd.Args().First()
	if handle == "" {
		return cli.Exit("usage: tweetvault [flags] <handle>", 2)
	}

	ctx := cmd.Context
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var level slog.Level
	switch cmd.String("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	l := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	if addr := cmd.String("metrics-addr"); addr != "" {
		tweetvault.StartMetricsServer(addr, l)
	}

	dataDir := cmd.String("data-dir")

	st, err := store.New(filepath.Join(dataDir, handle+"_archive.sqlite"))
	if err != nil {
		return err
	}
	defer st.Close()

	client := tweetvault.NewClient(&tweetvault.ClientArgs{
		Logger:     l,
		MaxRetries: cmd.Int("max-retries"),
	})
	defer client.Close()

	archiver, err := tweetvault.New(&tweetvault.ArchiverArgs{
		Logger:     l,
		Client:     client,
		Store:      st,
		MediaRoot:  filepath.Join(dataDir, handle+"_media"),
		Handle:     handle,
		PageLimit:  cmd.Int("page-limit"),
		PageDelay:  cmd.Duration("page-delay"),
		SkipPosts:  cmd.Bool("skip-tweets"),
		SkipImages: cmd.Bool("skip-images"),
		SkipVideos: cmd.Bool("skip-videos"),
		SkipMedia:  cmd.Bool("skip-media"),
		NoUpdate:   cmd.Bool("no-update"),
	})
	if err != nil {
		return err
	}

	go func() {
		exitSignals := make(chan os.Signal, 1)
		signal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)

		sig := <-exitSignals

		l.Info("received os exit signal", "signal", sig)
		cancel()
	}()

	if err := archiver.Run(ctx); err != nil {
		return err
	}

	if out := cmd.String("export"); out != "" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("creating export file: %w", err)
		}
		defer f.Close()

		if err := st.ExportCSV(f); err != nil {
			return fmt.Errorf("exporting archive: %w", err)
		}

		l.Info("archive exported", "file", out)
	}

	return nil
}
