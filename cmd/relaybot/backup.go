package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/media"

	"github.com/spf13/cobra"
)

// Archive member names are fixed so a backup restores onto whatever
// paths the current config names.
const (
	archiveDB    = "chats.db"
	archiveToken = "telegraph.token"
)

// backupSet is the set of files a backup covers.
type backupSet struct {
	DB     string
	Config string
	Token  string
}

func resolveBackupSet() backupSet {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
		cfg.Storage.DBPath = config.ExpandPath(cfg.Storage.DBPath)
		cfg.Telegraph.TokenFile = config.ExpandPath(cfg.Telegraph.TokenFile)
	}
	return backupSet{DB: cfg.Storage.DBPath, Config: cfgPath, Token: cfg.Telegraph.TokenFile}
}

// members maps archive names to the local files that exist.
func (s backupSet) members() map[string]string {
	out := make(map[string]string)
	add := func(name, path string) {
		if path == "" {
			return
		}
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			out[name] = path
		}
	}
	add(archiveDB, s.DB)
	for _, suffix := range []string{"-wal", "-shm"} {
		add(archiveDB+suffix, s.DB+suffix)
	}
	add(s.configName(), s.Config)
	add(archiveToken, s.Token)
	return out
}

func (s backupSet) configName() string {
	return "config" + filepath.Ext(s.Config)
}

// target returns where an archive member is restored to.
func (s backupSet) target(name string) (string, bool) {
	switch {
	case name == archiveDB:
		return s.DB, true
	case strings.HasPrefix(name, archiveDB+"-"):
		return s.DB + strings.TrimPrefix(name, archiveDB), true
	case name == archiveToken && s.Token != "":
		return s.Token, true
	case strings.HasPrefix(name, "config."):
		return s.Config, true
	}
	return "", false
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of relaybot data (chat registry, config, Telegraph token)",
		Long: `Creates a compressed .tar.gz archive containing the chat registry,
the configuration file and the cached Telegraph token. The backup is
timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			set := resolveBackupSet()

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("relaybot-backup-%s.tar.gz", ts))
			}

			members := set.members()
			if len(members) == 0 {
				return fmt.Errorf("no files to backup (db: %s, config: %s)", set.DB, set.Config)
			}
			if err := createTarGz(outputPath, members); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(members))
			for name, path := range members {
				var size int64
				if info, err := os.Stat(path); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", name, media.FormatSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.relaybot/backups/relaybot-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var inputPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file]",
		Short: "Restore relaybot data from a backup archive",
		Long: `Restores the chat registry, configuration file and Telegraph token
from a .tar.gz archive created by 'relaybot backup'. Stop the gateway first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return errors.New("specify a backup file: relaybot restore <file.tar.gz>")
			}

			set := resolveBackupSet()
			if !force && len(set.members()) > 0 {
				fmt.Printf("WARNING: This will overwrite existing data.\n")
				fmt.Printf("  Chat registry: %s\n", set.DB)
				fmt.Printf("  Config:        %s\n", set.Config)
				fmt.Printf("Use --force to skip this warning.\n")
				return errors.New("restore aborted (use --force to proceed)")
			}

			restored, err := extractTarGz(inputPath, set)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", inputPath)
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// createTarGz writes members (archive name to local path) into a .tar.gz.
func createTarGz(outputPath string, members map[string]string) (err error) {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := outFile.Close(); err == nil {
			err = cerr
		}
	}()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)
	for name, path := range members {
		if err := addFileToTar(tarWriter, name, path); err != nil {
			return fmt.Errorf("add %s: %w", path, err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzWriter.Close()
}

func addFileToTar(tw *tar.Writer, name, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz restores the members of a backup archive onto set's paths.
// Unknown members are skipped.
func extractTarGz(archivePath string, set backupSet) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		targetPath, ok := set.target(filepath.Base(header.Name))
		if !ok {
			logger.Warn("skipping unknown backup member", "name", header.Name)
			continue
		}
		if err := writeFile(targetPath, tarReader); err != nil {
			return restored, err
		}
		restored = append(restored, targetPath)
	}
	return restored, nil
}

func writeFile(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", path, err)
	}
	return out.Close()
}
