package main

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/tikinang/zipdeploy/deploy"
)

func init() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}
}

const lowIntervalWarning = 10 * time.Second

var (
	contentURLPattern = regexp.MustCompile(`(?i)^(?:http|ftp)s?://` + // http://, https://, ftp://, ftps://
		`(?:(?:[A-Z0-9](?:[A-Z0-9-]{0,61}[A-Z0-9])?\.)+(?:[A-Z]{2,6}\.?|[A-Z0-9-]{2,}\.?)|` + // domain
		`localhost|` +
		`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})` + // ipv4
		`(?::\d+)?` + // port
		`(?:/?|[/?]\S+)$`)

	s3URLPattern = regexp.MustCompile(`^s3://[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]/\S+$`)
)

type Config struct {
	ContentURL     string
	Destination    string
	UpdateInterval time.Duration
	StagingFile    string
	MarkerFile     string

	Force     bool
	Once      bool
	Atomic    bool
	HeadCheck bool

	Timeout        time.Duration
	ConnectTimeout time.Duration
	LogLevel       slog.Level

	S3 deploy.S3Config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("content_destination", deploy.DefaultDestinationDir)
	v.SetDefault("update_interval", int(deploy.DefaultInterval/time.Second))
	v.SetDefault("staging_file", deploy.DefaultStagingFileName)
	v.SetDefault("marker_file", deploy.DefaultMarkerFileName)
	v.SetDefault("timeout", deploy.DefaultTimeout)
	v.SetDefault("connect_timeout", deploy.DefaultConnectTimeout)
	v.SetDefault("log_level", "info")
	v.SetDefault("s3_region", deploy.DefaultS3Region)
}

// LoadConfig reads the settings bound in v and validates them together with
// the positional content url.
func LoadConfig(v *viper.Viper, contentURL string) (*Config, error) {
	cfg := &Config{
		ContentURL:     contentURL,
		Destination:    v.GetString("content_destination"),
		StagingFile:    v.GetString("staging_file"),
		MarkerFile:     v.GetString("marker_file"),
		Force:          v.GetBool("force"),
		Once:           v.GetBool("once"),
		Atomic:         v.GetBool("atomic"),
		HeadCheck:      v.GetBool("head_check"),
		Timeout:        v.GetDuration("timeout"),
		ConnectTimeout: v.GetDuration("connect_timeout"),
		S3: deploy.S3Config{
			Endpoint:  v.GetString("s3_endpoint"),
			Region:    v.GetString("s3_region"),
			AccessKey: v.GetString("s3_access_key"),
			SecretKey: v.GetString("s3_secret_key"),
		},
	}

	if !contentURLPattern.MatchString(contentURL) && !s3URLPattern.MatchString(contentURL) {
		return nil, fmt.Errorf("%w: %q is not a valid URL", deploy.ErrValidation, contentURL)
	}

	interval := v.GetInt("update_interval")
	if interval <= 0 {
		return nil, fmt.Errorf("%w: update interval is invalid - must be greater than 0, got %d", deploy.ErrValidation, interval)
	}
	cfg.UpdateInterval = time.Duration(interval) * time.Second

	if cfg.Destination == "" {
		return nil, fmt.Errorf("%w: content destination is required", deploy.ErrValidation)
	}
	if cfg.Timeout <= 0 || cfg.ConnectTimeout <= 0 {
		return nil, fmt.Errorf("%w: timeouts must be greater than 0", deploy.ErrValidation)
	}
	if cfg.S3.AccessKey != "" && cfg.S3.SecretKey == "" {
		return nil, fmt.Errorf("%w: s3 secret key is required with an access key", deploy.ErrValidation)
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
		return nil, fmt.Errorf("%w: log level: %w", deploy.ErrValidation, err)
	}

	return cfg, nil
}
