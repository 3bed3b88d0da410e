package main

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	offlinecache "github.com/huykn/offline-cache"
	"github.com/huykn/offline-cache/cache"
)

func registerFlags(cmd *cobra.Command) {
	defaults := offlinecache.DefaultConfig()
	flags := cmd.PersistentFlags()

	flags.StringVar(&cfgFile, "config", "", "config file (default ./offlined.yaml)")
	flags.String("upstream", "", "upstream application origin, e.g. https://app.example")
	flags.String("cache-version", string(defaults.VersionTag), "cache version tag")
	flags.StringSlice("data-prefix", defaults.DataPrefixes, "path prefixes served network-first")
	flags.StringSlice("precache", nil, "static resources cached on install")
	flags.String("queue", "offlined-queue.db", "pending-request queue file")
	flags.String("backend", defaults.Backend, "cache backend: memory or redis")
	flags.String("redis-addr", defaults.RedisAddr, "redis address")
	flags.String("redis-password", "", "redis password")
	flags.Int("redis-db", defaults.RedisDB, "redis database")
	flags.String("key-prefix", defaults.KeyPrefix, "redis key prefix")
	flags.String("signal-channel", "", "redis channel shared with other offlined processes")
	flags.Duration("sync-interval", defaults.SyncInterval, "periodic sync interval, 0 disables")
	flags.Duration("attempt-timeout", defaults.AttemptTimeout, "timeout of one replay")
	flags.Duration("entry-ttl", defaults.EntryTTL, "how long a queued request stays eligible for replay")
	flags.Duration("retry-base", defaults.Retry.BaseDelay, "retry base delay")
	flags.Duration("retry-max", defaults.Retry.MaxDelay, "retry delay cap")
	flags.Int("retry-ceiling", defaults.Retry.CeilingAttempts, "attempts before a request is abandoned")
	flags.String("log-file", "", "write logs to a rotated file instead of stderr")
	flags.Bool("debug", false, "enable debug logging")
	flags.Bool("metrics", defaults.EnableMetrics, "record OpenTelemetry metrics")
	flags.String("otlp-endpoint", "", "export metrics to this OTLP/gRPC collector")

	_ = viper.BindPFlags(flags)
}

func initConfig() {
	viper.SetEnvPrefix("OFFLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("offlined")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			slog.Warn("failed to read config file", "error", err)
		}
	}
}

func newLogger() *slog.Logger {
	var w io.Writer = os.Stderr
	if file := viper.GetString("log-file"); file != "" {
		w = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
	}

	level := slog.LevelInfo
	if viper.GetBool("debug") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func loadConfig(logger *slog.Logger) (offlinecache.Config, error) {
	cfg := offlinecache.DefaultConfig()

	cfg.Origin = viper.GetString("upstream")
	cfg.VersionTag = offlinecache.VersionTag(viper.GetString("cache-version"))
	cfg.DataPrefixes = viper.GetStringSlice("data-prefix")
	cfg.Precache = viper.GetStringSlice("precache")
	cfg.QueuePath = viper.GetString("queue")
	cfg.Backend = viper.GetString("backend")
	cfg.RedisAddr = viper.GetString("redis-addr")
	cfg.RedisPassword = viper.GetString("redis-password")
	cfg.RedisDB = viper.GetInt("redis-db")
	cfg.KeyPrefix = viper.GetString("key-prefix")
	cfg.SignalChannel = viper.GetString("signal-channel")
	cfg.SyncInterval = viper.GetDuration("sync-interval")
	cfg.AttemptTimeout = viper.GetDuration("attempt-timeout")
	cfg.EntryTTL = viper.GetDuration("entry-ttl")
	cfg.Retry.BaseDelay = viper.GetDuration("retry-base")
	cfg.Retry.MaxDelay = viper.GetDuration("retry-max")
	cfg.Retry.CeilingAttempts = viper.GetInt("retry-ceiling")
	cfg.DebugMode = viper.GetBool("debug")
	cfg.EnableMetrics = viper.GetBool("metrics")
	cfg.Logger = cache.NewSlogLogger(logger)
	cfg.OnError = func(err error) {
		logger.Warn("background operation failed", "error", err)
	}

	return cfg, cfg.Validate()
}
