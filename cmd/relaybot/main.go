package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"relaybot/internal/access"
	"relaybot/internal/config"
	"relaybot/internal/fetch"
	"relaybot/internal/media"

	"github.com/spf13/cobra"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "relaybot",
		Short: "relaybot: Telegram front end for a streaming workflow engine",
		Long: `relaybot answers Telegram chats through a Dify-compatible workflow app,
streaming progress into a placeholder message and delivering the final
answer as formatted text, a Telegraph page, or media.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.relaybot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(chatsCmd())
	root.AddCommand(browserCmd())
	root.AddCommand(cleanupCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogger replaces the bootstrap logger with one at the configured
// level, teeing into general.logFile when set. The returned func closes
// the log file.
func setupLogger(cfg *config.Config) (func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.General.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	closer := func() {}
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			return closer, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return closer, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closer = func() { f.Close() }
	}

	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return closer, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create data directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			for _, dir := range []string{
				cfg.General.DataDir,
				cfg.Media.DownloadDir,
				filepath.Dir(cfg.Storage.DBPath),
			} {
				if err := os.MkdirAll(config.ExpandPath(dir), 0o755); err != nil {
					return err
				}
			}
			logger.Info("initialized", "config", cfgPath, "data", config.ExpandPath(cfg.General.DataDir))
			fmt.Printf("Set telegram.token and workflow.apiKey, then run 'relaybot gateway':\n")
			fmt.Printf("  relaybot config set telegram.token <token>\n")
			fmt.Printf("  relaybot config set workflow.apiKey <key>\n")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and chat registry status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false, "err", err)
				return nil
			}
			logger.Info("config", "path", cfgPath, "loaded", true)

			if err := config.Ready(cfg); err != nil {
				logger.Info("gateway", "ready", false, "reason", err)
			} else {
				logger.Info("gateway", "ready", true, "workflow", cfg.Workflow.APIBase)
			}

			store, err := access.Open(cfg.Storage.DBPath, logger)
			if err != nil {
				logger.Info("chats", "db", cfg.Storage.DBPath, "err", err)
				return nil
			}
			defer store.Close()
			chats, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			allowed, auto := 0, 0
			for _, c := range chats {
				if c.Allowed {
					allowed++
				}
				if c.AutoMode {
					auto++
				}
			}
			logger.Info("chats", "known", len(chats), "allowed", allowed, "auto_mode", auto)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. workflow.apiBase)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. telegraph.enabled false)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "paths",
		Short: "List every config path with its value",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			values := config.ListPaths(config.Sanitize(cfg))
			paths := make([]string, 0, len(values))
			for p := range values {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			for _, p := range paths {
				fmt.Printf("%s = %v\n", p, values[p])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func chatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "Manage the chat allow-list",
	}

	// withStore opens the chat registry for the duration of fn.
	withStore := func(fn func(ctx context.Context, s *access.Store) error) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := access.Open(cfg.Storage.DBPath, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(context.Background(), store)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known chats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, s *access.Store) error {
				chats, err := s.List(ctx)
				if err != nil {
					return err
				}
				if len(chats) == 0 {
					fmt.Println("No chats registered.")
					return nil
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CHAT\tALLOWED\tAUTO\tUPDATED\tTITLE")
				for _, c := range chats {
					fmt.Fprintf(tw, "%d\t%t\t%t\t%s\t%s\n",
						c.ID, c.Allowed, c.AutoMode, c.UpdatedAt.Local().Format(time.DateTime), c.Title)
				}
				return tw.Flush()
			})
		},
	})

	setAllowed := func(use, short string, allowed bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " [chat-id...]",
			Short: short,
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ids, err := parseChatIDs(args)
				if err != nil {
					return err
				}
				return withStore(func(ctx context.Context, s *access.Store) error {
					for _, id := range ids {
						if err := s.SetAllowed(ctx, id, allowed); err != nil {
							return err
						}
						logger.Info("chat updated", "chat_id", id, "allowed", allowed)
					}
					return nil
				})
			},
		}
	}
	cmd.AddCommand(setAllowed("allow", "Allow the bot to answer in chats", true))
	cmd.AddCommand(setAllowed("deny", "Stop the bot from answering in chats", false))

	return cmd
}

func parseChatIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func browserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "browser",
		Short: "Manage the headless browser profile used by /parse",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "login [url]",
		Short: "Open a visible browser to log in to a site",
		Long:  "Opens a visible Chrome window with the bot's profile. Cookies are kept for later headless captures.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b := fetch.NewBrowser(fetch.BrowserConfig{
				ProfileDir: cfg.Browser.ProfileDir,
				Timeout:    time.Duration(cfg.Browser.TimeoutSeconds) * time.Second,
				Logger:     logger,
			})
			return b.Login(ctx, args[0])
		},
	})
	return cmd
}

func cleanupCmd() *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale downloads left by interrupted turns",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if maxAge <= 0 {
				maxAge = time.Duration(cfg.Media.MaxAgeHours) * time.Hour
			}
			n, err := media.CleanupOld(cfg.Media.DownloadDir, maxAge, time.Now())
			if err != nil {
				return fmt.Errorf("cleanup %s: %w", cfg.Media.DownloadDir, err)
			}
			fmt.Printf("Removed %d file(s) older than %s from %s\n", n, maxAge, cfg.Media.DownloadDir)
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "remove files older than this (default: media.maxAgeHours)")
	return cmd
}
