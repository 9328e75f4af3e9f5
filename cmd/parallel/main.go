package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"parallel-go/internal/app"
	"parallel-go/internal/config"
	"parallel-go/internal/parallel"
	"parallel-go/internal/service"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// readConfig loads the config file named by the defaults.
func readConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults["config_path"], nil
}

// withApp creates an App for operation, runs fn and closes the App,
// recording whether fn failed.
func withApp(cmd *cobra.Command, operation string, fn func(ctx context.Context, a *app.App, progress *app.ConsoleProgress) error) error {
	cfg, _, err := readConfig()
	if err != nil {
		return err
	}
	progress := app.NewConsoleProgress(os.Stdout, false)
	a, err := app.NewApp(cfg, operation, os.Stderr, app.WithProgress(progress))
	if err != nil {
		return fmt.Errorf("initializing app: %w", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = fn(ctx, a, progress)
	a.Fail(err)
	return err
}

// vaultFlag returns the --vault value.
func vaultFlag(cmd *cobra.Command) string {
	v, _ := cmd.Flags().GetString("vault")
	return v
}

func pathArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

// parseTime accepts RFC 3339 or a plain date, read as local midnight.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}

// readSecret prompts on stderr and reads a line without echo when stdin is a terminal.
func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// confirm asks a yes/no question; anything but "y" or "yes" declines.
func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// unlock asks for the passphrase when v is encrypted and the key is locked.
func unlock(a *app.App, v config.VaultConfig) error {
	if !a.NeedsPassphrase(v) {
		return nil
	}
	pass, err := readSecret(fmt.Sprintf("Passphrase for vault %s: ", v.Name))
	if err != nil {
		return err
	}
	return a.Unlock(pass)
}

var rootCmd = &cobra.Command{
	Use:          "parallel",
	Short:        "Personal backup and sync",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := readConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Log Level:   %s\n", cfg.Log.Level)
		fmt.Printf("Parallelism: %d vaults, %d processes, %d uploads\n",
			cfg.Parallelism.MaxConcurrentVaults,
			cfg.Parallelism.MaxConcurrentProcesses,
			cfg.Parallelism.MaxConcurrentUploads)
		fmt.Printf("Public Key:  %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Vaults:      %d\n", len(cfg.Vaults))
		return nil
	},
}

// vault command
var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage vaults",
}

var vaultAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add a vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := readConfig()
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		v := config.VaultConfig{Name: args[0], Enabled: true}
		v.Strategy, _ = flags.GetString("strategy")
		v.Credentials.Service, _ = flags.GetString("service")
		v.Credentials.Root, _ = flags.GetString("root")
		v.Credentials.Address, _ = flags.GetString("address")
		v.Credentials.Region, _ = flags.GetString("region")
		v.Credentials.Bucket, _ = flags.GetString("bucket")
		v.Credentials.Username, _ = flags.GetString("username")
		v.Credentials.ForcePathStyle, _ = flags.GetBool("path-style")
		v.Credentials.Encrypt, _ = flags.GetBool("encrypt")
		if v.Credentials.Username != "" {
			if v.Credentials.Password, err = readSecret("Password: "); err != nil {
				return err
			}
		}

		a, err := app.NewApp(cfg, "vault-add", nil)
		if err != nil {
			return fmt.Errorf("initializing app: %w", err)
		}
		defer a.Close()

		v, err = a.AddVault(v)
		if err != nil {
			a.Fail(err)
			return err
		}
		if v.Credentials.Encrypt {
			if err := setupKeys(a); err != nil {
				a.Fail(err)
				return err
			}
		}
		if err := config.Save(path, cfg); err != nil {
			a.Fail(err)
			return err
		}
		fmt.Printf("Added vault %s (%s)\n", v.Name, v.ID)
		return nil
	},
}

// setupKeys creates the key pair for encrypted vaults unless it exists.
func setupKeys(a *app.App) error {
	if a.EncryptionConfigured() {
		return nil
	}
	pass, err := readSecret("New encryption passphrase: ")
	if err != nil {
		return err
	}
	again, err := readSecret("Repeat passphrase: ")
	if err != nil {
		return err
	}
	if pass != again {
		return errors.New("passphrases do not match")
	}
	return a.SetupEncryption(pass)
}

var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List vaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := readConfig()
		if err != nil {
			return err
		}
		if len(cfg.Vaults) == 0 {
			fmt.Println("No vaults configured.")
			return nil
		}
		for _, v := range cfg.Vaults {
			state := "enabled"
			if !v.Enabled {
				state = "disabled"
			}
			strat := v.Strategy
			if strat == "" {
				strat = "objects"
			}
			location := v.Credentials.Root
			if v.Credentials.Bucket != "" {
				location = v.Credentials.Bucket + "/" + strings.TrimPrefix(location, "/")
			}
			fmt.Printf("%-20s %-8s %-8s %-9s %s  %s\n", v.Name, v.Credentials.Service, strat, state, location, v.ID)
		}
		return nil
	},
}

// connect command
var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to a vault, creating it if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "connect", func(ctx context.Context, a *app.App, _ *app.ConsoleProgress) error {
			vaults, err := a.Vaults(vaultFlag(cmd), false)
			if err != nil {
				return err
			}
			for _, v := range vaults {
				policy, err := a.Ping(ctx, v)
				if err != nil {
					return err
				}
				fmt.Printf("Connected to %s: %d backup directories, every %d minutes\n",
					v.Name, len(policy.BackupDirectories), policy.BackupInterval)
			}
			return nil
		})
	},
}

// push command
var pushCmd = &cobra.Command{
	Use:   "push [PATH]",
	Short: "Back up changed files",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		return withApp(cmd, "push", func(ctx context.Context, a *app.App, progress *app.ConsoleProgress) error {
			vaults, err := a.Vaults(vaultFlag(cmd), true)
			if err != nil {
				return err
			}
			var failed []string
			for _, v := range vaults {
				progress.Reset()
				res, err := a.Push(ctx, v, pathArg(args), force)
				if err != nil {
					fmt.Fprintf(os.Stderr, "%s: %v\n", v.Name, err)
					failed = append(failed, v.Name)
					continue
				}
				fmt.Printf("%s: %d created, %d changed, %d deleted, %d ignored; %s\n", v.Name,
					len(res.Scan.Created), len(res.Scan.Changed), len(res.Scan.Deleted),
					len(res.Scan.Ignored), progress.Summary())
			}
			if len(failed) > 0 {
				return fmt.Errorf("push failed for %s", strings.Join(failed, ", "))
			}
			return nil
		})
	},
}

// pull command
var pullCmd = &cobra.Command{
	Use:   "pull [PATH]",
	Short: "Download the latest version of backed up files",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		return withApp(cmd, "pull", func(ctx context.Context, a *app.App, progress *app.ConsoleProgress) error {
			vaults, err := a.Vaults(vaultFlag(cmd), false)
			if err != nil {
				return err
			}
			v := vaults[0]
			if err := unlock(a, v); err != nil {
				return err
			}
			n, err := a.Pull(ctx, v, pathArg(args), force)
			if err != nil {
				return err
			}
			fmt.Printf("Pulled %d file(s); %s\n", n, progress.Summary())
			return nil
		})
	},
}

// prune command
var pruneCmd = &cobra.Command{
	Use:   "prune [PATH]",
	Short: "Permanently remove deleted files from a vault",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := app.PruneRequest{Path: pathArg(args)}
		req.Force, _ = cmd.Flags().GetBool("force")
		req.Days, _ = cmd.Flags().GetInt("days")
		if before, _ := cmd.Flags().GetString("before"); before != "" {
			t, err := parseTime(before)
			if err != nil {
				return err
			}
			req.Before = t
		}
		req.Confirm = func(n int) bool {
			return confirm(fmt.Sprintf("This will permanently delete %d files!", n))
		}

		return withApp(cmd, "prune", func(ctx context.Context, a *app.App, _ *app.ConsoleProgress) error {
			vaults, err := a.Vaults(vaultFlag(cmd), false)
			if err != nil {
				return err
			}
			res, err := a.Prune(ctx, vaults[0], req)
			if err != nil {
				return err
			}
			switch {
			case res.Candidates == 0:
				fmt.Println("Nothing to prune.")
			case !res.Confirmed:
				fmt.Println("Prune cancelled.")
			default:
				fmt.Printf("Pruned %d file(s), %d revision(s), %d stored object(s)\n", res.Pruned, res.Rows, res.Blobs)
			}
			return nil
		})
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore [PATH]",
	Short: "Restore files as they were at a point in time",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := parallel.RestoreOptions{Path: pathArg(args)}
		opts.RemapTo, _ = cmd.Flags().GetString("remap")
		opts.IncludeArchived, _ = cmd.Flags().GetBool("archived")
		opts.Force, _ = cmd.Flags().GetBool("force")
		if before, _ := cmd.Flags().GetString("before"); before != "" {
			t, err := parseTime(before)
			if err != nil {
				return err
			}
			opts.At = t
		}

		return withApp(cmd, "restore", func(ctx context.Context, a *app.App, progress *app.ConsoleProgress) error {
			vaults, err := a.Vaults(vaultFlag(cmd), false)
			if err != nil {
				return err
			}
			v := vaults[0]
			if err := unlock(a, v); err != nil {
				return err
			}
			n, err := a.Restore(ctx, v, opts)
			if err != nil {
				return err
			}
			fmt.Printf("Restored %d file(s); %s\n", n, progress.Summary())
			return nil
		})
	},
}

// stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show vault statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "stats", func(ctx context.Context, a *app.App, _ *app.ConsoleProgress) error {
			vaults, err := a.Vaults(vaultFlag(cmd), false)
			if err != nil {
				return err
			}
			st, err := a.Stats(ctx, vaults[0])
			if err != nil {
				return err
			}
			fmt.Printf("Managed files: %s\n", humanize.Comma(st.Files()))
			fmt.Printf("Local files:   %s\n", humanize.Comma(st.LocalFiles))
			fmt.Printf("Deleted files: %s\n", humanize.Comma(st.DeletedFiles))
			fmt.Printf("Local size:    %s\n", humanize.IBytes(uint64(st.LocalSize)))
			fmt.Printf("Remote size:   %s\n", humanize.IBytes(uint64(st.RemoteSize)))
			fmt.Printf("Space saved:   %.1f%%\n", st.SpaceSaved())
			return nil
		})
	},
}

// disk command
var diskCmd = &cobra.Command{
	Use:   "disk",
	Short: "Show free space where a local vault lives",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "disk", func(ctx context.Context, a *app.App, _ *app.ConsoleProgress) error {
			vaults, err := a.Vaults(vaultFlag(cmd), false)
			if err != nil {
				return err
			}
			u, err := a.Disk(vaults[0])
			if err != nil {
				return err
			}
			fmt.Printf("Total: %s\n", humanize.IBytes(u.Total))
			fmt.Printf("Used:  %s\n", humanize.IBytes(u.Used()))
			fmt.Printf("Free:  %s\n", humanize.IBytes(u.Free))
			return nil
		})
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history [PATH]",
	Short: "View file history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		var typ parallel.HistoryType
		if s, _ := cmd.Flags().GetString("type"); s != "" {
			t, err := parallel.ParseHistoryType(s)
			if err != nil {
				return err
			}
			typ = t
		}

		return withApp(cmd, "history", func(ctx context.Context, a *app.App, _ *app.ConsoleProgress) error {
			vaults, err := a.Vaults(vaultFlag(cmd), false)
			if err != nil {
				return err
			}
			events, err := a.History(ctx, vaults[0], pathArg(args), typ, limit)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Println("No history recorded.")
				return nil
			}
			for _, e := range events {
				sum := e.Checksum
				if len(sum) > 12 {
					sum = sum[:12]
				}
				fmt.Printf("%s  %-9s  %-12s  %s\n",
					e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Type, sum, e.Path)
			}
			return nil
		})
	},
}

// service command
var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Back up every enabled vault on its schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		noWatch, _ := cmd.Flags().GetBool("no-watch")

		return withApp(cmd, "service", func(ctx context.Context, a *app.App, _ *app.ConsoleProgress) error {
			vaults, err := a.Vaults(vaultFlag(cmd), true)
			if err != nil {
				return err
			}
			s := service.New(a, vaults, a.EngineLogger(), service.Options{
				MaxConcurrentVaults: a.Config().Parallelism.MaxConcurrentVaults,
				Watch:               !noWatch,
			})
			return s.Run(ctx)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("vault", "v", "", "Vault name or ID (default: all enabled vaults for push and service, the first otherwise)")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// vault subcommands
	vaultCmd.AddCommand(vaultAddCmd)
	vaultCmd.AddCommand(vaultListCmd)
	vaultAddCmd.Flags().String("service", "local", "Storage service: local, s3 or ssh")
	vaultAddCmd.Flags().String("root", "", "Root directory (local) or key prefix (s3)")
	vaultAddCmd.Flags().String("strategy", "", "Storage strategy: objects (default), files or delta")
	vaultAddCmd.Flags().String("address", "", "Endpoint address for s3-compatible services")
	vaultAddCmd.Flags().String("region", "", "S3 region")
	vaultAddCmd.Flags().String("bucket", "", "S3 bucket")
	vaultAddCmd.Flags().String("username", "", "Access key or user name; the password is prompted for")
	vaultAddCmd.Flags().Bool("path-style", false, "Use path-style S3 addressing")
	vaultAddCmd.Flags().Bool("encrypt", false, "Encrypt stored content")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(vaultCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(pushCmd)
	pushCmd.Flags().BoolP("force", "f", false, "Upload files even when unchanged")
	rootCmd.AddCommand(pullCmd)
	pullCmd.Flags().BoolP("force", "f", false, "Overwrite local files that are current")
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().String("before", "", "Prune files deleted before this time")
	pruneCmd.Flags().Int("days", 0, "Prune files deleted more than this many days ago")
	pruneCmd.Flags().BoolP("force", "f", false, "Do not ask for confirmation")
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().String("before", "", "Restore files as they were at this time")
	restoreCmd.Flags().String("remap", "", "Write restored files under this directory")
	restoreCmd.Flags().Bool("archived", false, "Include deleted files")
	restoreCmd.Flags().BoolP("force", "f", false, "Overwrite local files that are newer")
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(diskCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().String("type", "", "Only show events of this type (Archived, Cleaned, Cloned, Pruned, Restored, Synced)")
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of events to show")
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.Flags().Bool("no-watch", false, "Only back up on the policy interval")
}
