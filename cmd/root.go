package cmd

import (
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"PresentCoach/internal/config"
	"PresentCoach/internal/logger"
)

// watchConfigAnnotation 长时间运行的子命令监控配置文件
const watchConfigAnnotation = "coach.watch-config"

// app 各子命令共享的运行时依赖
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg     *config.Config
	manager *config.Manager

	// 文件中的开发后端设置，用于判断重新加载后是否需要重启
	mu        sync.Mutex
	devServer config.DevServerConfig
}

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "coach",
		Short:         "PresentCoach: live presentation feedback client",
		Long:          "coach streams camera frames and audio to a presentation-analysis server, collects real-time feedback and prints an end-of-session summary. It also ships a development backend.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default: coach.yaml in ./configs, ../configs or .)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level override: debug, info, warn, error")
	flags.StringVar(&a.logFormat, "log-format", "", "log format override: text or json")

	rootCmd.AddCommand(
		newVersionCmd(),
		newLiveCmd(a),
		newServeCmd(a),
	)

	return rootCmd
}

// load 加载配置并初始化日志
func (a *app) load(cmd *cobra.Command) error {
	watch := cmd.Annotations[watchConfigAnnotation] == "true"
	a.manager = config.NewManager(
		config.WithConfigPath(a.configPath),
		config.WithWatchEnabled(watch),
		config.WithChangeHandler(a.onConfigChange(cmd)),
	)
	cfg, err := a.manager.Load()
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.devServer = cfg.DevServer
	a.mu.Unlock()

	cfg.Log.Level, cfg.Log.Format = a.logSettings(cmd, cfg)
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}

	if watch {
		slog.Info("Watching config file", "file", a.manager.ConfigFileUsed())
	}
	a.cfg = cfg
	return nil
}

// logSettings 命令行参数优先于配置文件
func (a *app) logSettings(cmd *cobra.Command, cfg *config.Config) (level, format string) {
	level, format = cfg.Log.Level, cfg.Log.Format
	if cmd.Flags().Changed("log-level") {
		level = a.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		format = a.logFormat
	}
	return level, format
}

// onConfigChange 配置文件变化后重新应用日志设置，开发后端设置只提示需要重启
func (a *app) onConfigChange(cmd *cobra.Command) func(*config.Config) {
	return func(cfg *config.Config) {
		level, format := a.logSettings(cmd, cfg)
		if err := logger.Init(level, format); err != nil {
			slog.Warn("Log settings not reloaded", "error", err)
		} else {
			slog.Info("Log settings reloaded", "level", level, "format", format)
		}

		a.mu.Lock()
		changed := a.devServer != cfg.DevServer
		a.devServer = cfg.DevServer
		a.mu.Unlock()
		if changed {
			slog.Warn("Dev backend settings changed, restart serve to apply",
				"addr", cfg.DevServer.Addr,
				"require_auth", cfg.DevServer.RequireAuth,
			)
		}
	}
}
