package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"coldvault/internal/app"
	"coldvault/internal/config"
	"coldvault/internal/encryption"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config file at its default (or COLDVAULT_CONFIG_PATH)
// location and wires an App for command, identified by arguments for the
// operation log.
func newApp(command, arguments string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, err
	}
	return app.New(defaults["config_path"], command, arguments)
}

var rootCmd = &cobra.Command{
	Use:   "coldvault",
	Short: "A deduplicating, content-addressed backup engine",
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the coldvault configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return err
		}
		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return err
		}
		fmt.Printf("Initialized config at %s (host_id=%s)\n", defaults["config_path"], hostID)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return err
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return err
		}
		fmt.Printf("%+v\n", cfg)
		return nil
	},
}

var backendInitCmd = &cobra.Command{
	Use:   "backend-init",
	Short: "Add a remote backend to the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return err
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return err
		}

		bcfg := config.BackendConfig{
			Type:       backendType,
			Name:       backendName,
			Prefix:     backendPrefix,
			S3Bucket:   backendS3Bucket,
			S3Region:   backendS3Region,
			S3Endpoint: backendS3Endpoint,
			FSRoot:     backendFSRoot,
		}
		cfg.Backends = append(cfg.Backends, bcfg)
		if err := config.Save(defaults["config_path"], cfg); err != nil {
			return err
		}
		fmt.Printf("Added %s backend %q\n", bcfg.Type, bcfg.Name)
		return nil
	},
}

var keysInitCmd = &cobra.Command{
	Use:   "keys-init",
	Short: "Generate the encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return err
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return err
		}
		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			return err
		}
		if enc.IsConfigured() {
			return fmt.Errorf("keys already exist at %s", cfg.Encryption.PublicKeyPath)
		}
		if err := enc.Setup(keysPassphrase); err != nil {
			return err
		}
		fmt.Println("Generated encryption key pair.")
		return nil
	},
}

var dirCmd = &cobra.Command{
	Use:   "dir",
	Short: "Manage backup roots",
}

var dirInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Register a directory as a backup root",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "."
		if len(args) == 1 {
			path = args[0]
		}
		a, err := newApp("dir init", path)
		if err != nil {
			return err
		}
		defer a.Close()

		abs, err := a.AddDirectory(path)
		if err != nil {
			return err
		}
		fmt.Printf("Registered backup root: %s\n", abs)
		return nil
	},
}

var dirStatusCmd = &cobra.Command{
	Use:   "status [path]",
	Short: "Show which files under path are backed up",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "."
		if len(args) == 1 {
			path = args[0]
		}
		a, err := newApp("dir status", path)
		if err != nil {
			return err
		}
		defer a.Close()

		statuses, err := a.GetStatus(path, dirStatusRecursive)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			mark := "?"
			switch {
			case s.IsBackedUp && !s.IsModified:
				mark = "B"
			case s.IsBackedUp && s.IsModified:
				mark = "M"
			default:
				mark = "?"
			}
			fmt.Printf("%s\t%s\n", mark, s.Path)
		}
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup [path...]",
	Short: "Back up the configured (or given) roots",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("backup", fmt.Sprintf("%v", args))
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.BackupAll(context.Background(), args, backupFull)
		if err != nil {
			return err
		}
		fmt.Printf("Backed up %d files, %d new blocks, %d volumes written\n",
			result.FilesWritten, result.BlocksWritten, result.VolumesWritten)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a backup version to a directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		if restoreDest == "" {
			return fmt.Errorf("--dest is required")
		}
		a, err := newApp("restore", restoreDest)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Restore(context.Background(), restoreVersion, restoreFilter, restoreDest, restorePassphrase)
		if err != nil {
			return err
		}
		fmt.Printf("Restored %d files to %s\n", result.FilesRestored, restoreDest)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("history", "")
		if err != nil {
			return err
		}
		defer a.Close()

		summaries, err := a.GetHistory(historyLimit)
		if err != nil {
			return err
		}
		for _, s := range summaries {
			full := ""
			if s.IsFullBackup {
				full = " (full)"
			}
			fmt.Printf("v%d\t%s%s\n", s.Version, s.Timestamp.Format("2006-01-02T15:04:05Z"), full)
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Apply the retention policy and remove what it no longer keeps",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("delete", "")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Delete(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d filesets, %d volumes\n", result.DeletedFilesets, len(result.DeletedVolumes))
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Reclaim and compact wasted remote volume space",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("compact", "")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Compact(context.Background(), compactDryRun)
		if err != nil {
			return err
		}
		if compactDryRun {
			fmt.Printf("Would delete %d volumes\n", len(result.WouldDelete))
			return nil
		}
		fmt.Printf("Deleted %d volumes\n", len(result.Deleted))
		return nil
	},
}

var recreateCmd = &cobra.Command{
	Use:   "recreate",
	Short: "Rebuild the local index database from the remote backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("recreate", "")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Recreate(context.Background(), recreatePassphrase)
		if err != nil {
			return err
		}
		fmt.Printf("Recreated %d filesets from %d block volumes, %d index volumes\n",
			result.FilesetsCreated, result.BlockVolumesSeen, result.IndexVolumesSeen)
		return nil
	},
}

var listBrokenCmd = &cobra.Command{
	Use:   "list-broken",
	Short: "List filesets that reference a missing or departing block volume",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("list-broken", "")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		report, err := a.ListBroken(ctx)
		if err != nil {
			return err
		}
		for _, ts := range report.Timestamps {
			fmt.Printf("broken\t%s\n", ts.Format("2006-01-02T15:04:05Z"))
		}
		if listBrokenDelete && len(report.FilesetIDs) > 0 {
			deletable, err := a.MarkBrokenForDeletion(ctx, report)
			if err != nil {
				return err
			}
			fmt.Printf("Marked %d volumes for deletion\n", len(deletable))
		}
		return nil
	},
}

var (
	dirStatusRecursive bool

	backupFull bool

	restoreVersion     int
	restoreFilter      string
	restoreDest        string
	restorePassphrase  string
	recreatePassphrase string

	historyLimit int

	compactDryRun bool

	listBrokenDelete bool

	backendType       string
	backendName       string
	backendPrefix     string
	backendS3Bucket   string
	backendS3Region   string
	backendS3Endpoint string
	backendFSRoot     string

	keysPassphrase string
)

func init() {
	dirStatusCmd.Flags().BoolVarP(&dirStatusRecursive, "recursive", "r", true, "recurse into subdirectories")

	backupCmd.Flags().BoolVar(&backupFull, "full", false, "force a full backup instead of an incremental one")

	restoreCmd.Flags().IntVar(&restoreVersion, "version", 0, "backup version to restore, 0 is the newest")
	restoreCmd.Flags().StringVar(&restoreFilter, "filter", "", "restrict restore to paths under this prefix")
	restoreCmd.Flags().StringVar(&restoreDest, "dest", "", "destination directory (required)")
	restoreCmd.Flags().StringVar(&restorePassphrase, "passphrase", "", "passphrase to unlock the encryption private key")

	recreateCmd.Flags().StringVar(&recreatePassphrase, "passphrase", "", "passphrase to unlock the encryption private key")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "limit the number of backups shown, 0 for all")

	compactCmd.Flags().BoolVar(&compactDryRun, "dry-run", false, "report what would be deleted without deleting it")

	listBrokenCmd.Flags().BoolVar(&listBrokenDelete, "delete", false, "also drop the broken filesets and mark their volumes for deletion")

	backendInitCmd.Flags().StringVar(&backendType, "type", "memory", "backend type: memory, s3, or filesystem")
	backendInitCmd.Flags().StringVar(&backendName, "name", "default", "backend name")
	backendInitCmd.Flags().StringVar(&backendPrefix, "prefix", "coldvault", "remote filename prefix")
	backendInitCmd.Flags().StringVar(&backendS3Bucket, "s3-bucket", "", "S3 bucket (type=s3)")
	backendInitCmd.Flags().StringVar(&backendS3Region, "s3-region", "", "S3 region (type=s3)")
	backendInitCmd.Flags().StringVar(&backendS3Endpoint, "s3-endpoint", "", "S3-compatible endpoint (type=s3)")
	backendInitCmd.Flags().StringVar(&backendFSRoot, "fs-root", "", "local directory root (type=filesystem)")

	keysInitCmd.Flags().StringVar(&keysPassphrase, "passphrase", "", "passphrase to encrypt the private key with")

	dirCmd.AddCommand(dirInitCmd, dirStatusCmd)
	configCmd.AddCommand(configInitCmd, configListCmd)

	rootCmd.AddCommand(
		configCmd,
		backendInitCmd,
		keysInitCmd,
		dirCmd,
		backupCmd,
		restoreCmd,
		historyCmd,
		deleteCmd,
		compactCmd,
		recreateCmd,
		listBrokenCmd,
	)
}
