package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tikinang/zipdeploy/deploy"
)

func main() {
	if err := execute(); err != nil {
		os.Exit(1)
	}
}

func execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "zipdeploy <content_url>",
		Short: "Keeps a directory in sync with a remote ZIP archive",
		Long: `Periodically checks the ETag of a remote ZIP archive and, when it changed,
replaces the content destination with the archive's extracted contents.`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(cmd, v)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(v, args[0])
			if err != nil {
				return err
			}

			cmd.SilenceUsage = true
			setupLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.SortFlags = false
	flags.String("content-destination", deploy.DefaultDestinationDir, "Folder to put the extracted zip file's contents in after the download")
	flags.Int("update-interval", int(deploy.DefaultInterval/time.Second), "Update interval in seconds")
	flags.Bool("force", false, "Download on the first cycle even if the ETag did not change")
	flags.Bool("once", false, "Run a single update cycle and exit")
	flags.Bool("atomic", false, "Extract next to the destination and swap it into place on success")
	flags.Bool("head-check", false, "Use HEAD instead of GET to read the remote ETag")
	flags.Duration("timeout", deploy.DefaultTimeout, "Request timeout")
	flags.Duration("connect-timeout", deploy.DefaultConnectTimeout, "Connect timeout")
	flags.String("staging-file", deploy.DefaultStagingFileName, "File name of the downloaded archive inside the destination")
	flags.String("marker-file", deploy.DefaultMarkerFileName, "File name of the ETag marker inside the destination")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("s3-endpoint", "", "S3 endpoint for s3:// urls (path-style)")
	flags.String("s3-region", deploy.DefaultS3Region, "S3 region")
	flags.String("s3-access-key", "", "S3 access key")
	flags.String("s3-secret-key", "", "S3 secret key")

	return cmd
}

// bindFlags binds every flag to its snake_case viper key, so each setting can
// also come from a ZIPDEPLOY_* environment variable.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	setDefaults(v)
	for key, flag := range map[string]string{
		"content_destination": "content-destination",
		"update_interval":     "update-interval",
		"force":               "force",
		"once":                "once",
		"atomic":              "atomic",
		"head_check":          "head-check",
		"timeout":             "timeout",
		"connect_timeout":     "connect-timeout",
		"staging_file":        "staging-file",
		"marker_file":         "marker-file",
		"log_level":           "log-level",
		"s3_endpoint":         "s3-endpoint",
		"s3_region":           "s3-region",
		"s3_access_key":       "s3-access-key",
		"s3_secret_key":       "s3-secret-key",
	} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	v.SetEnvPrefix("ZIPDEPLOY")
	v.AutomaticEnv()
	return nil
}

func setupLogger(w io.Writer, level slog.Level) {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd())
	}
	slog.SetDefault(slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
		NoColor:    !color,
	})))
}

func run(ctx context.Context, cfg *Config) error {
	if cfg.UpdateInterval <= lowIntervalWarning {
		slog.Warn("Very low update interval, make sure you really want that", "interval", cfg.UpdateInterval)
	}

	transportOpts := deploy.HTTPOptions{
		Timeout:        cfg.Timeout,
		ConnectTimeout: cfg.ConnectTimeout,
		Retries:        deploy.DefaultRetries,
	}
	engine, err := deploy.New(deploy.Config{
		SourceURL:       cfg.ContentURL,
		DestinationDir:  cfg.Destination,
		StagingFileName: cfg.StagingFile,
		MarkerFileName:  cfg.MarkerFile,
		HeadCheck:       cfg.HeadCheck,
		Atomic:          cfg.Atomic,
	},
		deploy.WithTransport(deploy.NewHTTPTransport(transportOpts), "http", "https"),
		deploy.WithTransport(deploy.NewFTPTransport(transportOpts), "ftp", "ftps"),
		deploy.WithTransport(deploy.NewS3Transport(cfg.S3), "s3"),
	)
	if err != nil {
		return err
	}

	unlock, err := engine.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	slog.Info("Starting zipdeploy", "engine", engine.String(), "interval", cfg.UpdateInterval)

	poller := deploy.NewPoller(engine, cfg.UpdateInterval)
	if cfg.Force {
		poller.ForceNext()
	}

	if cfg.Once {
		_, err := poller.RunOnce(ctx)
		return err
	}

	poller.Run(ctx)
	slog.Info("Shutdown complete")
	return nil
}
