package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"relaybot/internal/access"
	"relaybot/internal/config"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your relaybot installation",
		Long: `Verifies that relaybot's configuration, chat registry, download
directory and optional services are correctly set up. Reports pass/fail
for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("relaybot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			r := &report{}

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'relaybot init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			if err := config.Ready(cfg); err != nil {
				r.fail("Required settings", err.Error())
			} else {
				r.pass("Required settings", "telegram.token, workflow.apiBase, workflow.apiKey")
			}

			if len(cfg.Telegram.ChatIDs()) == 0 {
				r.warn("Allowed chats", "telegram.allowChats is empty (use 'relaybot chats allow')")
			} else {
				r.pass("Allowed chats", fmt.Sprintf("%d seeded from config", len(cfg.Telegram.ChatIDs())))
			}

			if err := checkWritableDir(cfg.Media.DownloadDir); err != nil {
				r.fail("Download dir", err.Error())
			} else {
				r.pass("Download dir", cfg.Media.DownloadDir)
			}

			if n, err := checkDatabase(cfg.Storage.DBPath); err != nil {
				r.fail("Chat registry", err.Error())
			} else {
				r.pass("Chat registry", fmt.Sprintf("%s (%d chats)", cfg.Storage.DBPath, n))
			}

			if cfg.Metrics.Enabled {
				if err := checkPort(cfg.Metrics.Listen); err != nil {
					r.warn("Metrics listen", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Listen, err))
				} else {
					r.pass("Metrics listen", cfg.Metrics.Listen+" available")
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			if cfg.Telegraph.Enabled {
				switch {
				case cfg.Telegraph.AccessToken != "":
					r.pass("Telegraph", "access token configured")
				case fileExists(cfg.Telegraph.TokenFile):
					r.pass("Telegraph", "token cached at "+cfg.Telegraph.TokenFile)
				default:
					r.warn("Telegraph", "no token yet; an account is created on first long answer")
				}
			}

			if cfg.Browser.Enabled {
				if fileExists(cfg.Browser.ProfileDir) {
					r.pass("Browser profile", cfg.Browser.ProfileDir)
				} else {
					r.warn("Browser profile", "missing; run 'relaybot browser login <url>' for sites that need a session")
				}
			}

			return r.summary()
		},
	}
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *report) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *report) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func (r *report) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running the gateway.\n")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		fmt.Printf("\nrelaybot should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed! relaybot is ready to run.\n")
	}
	return nil
}

// checkDatabase opens the chat registry, which runs its migrations, and
// returns how many chats it knows.
func checkDatabase(dbPath string) (int, error) {
	store, err := access.Open(dbPath, logger)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chats, err := store.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(chats), nil
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
