package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/papercli/papersync/internal/replica"
	"github.com/papercli/papersync/internal/sync"
	"github.com/papercli/papersync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var home, _ = os.UserHomeDir()

var rootCmd = &cobra.Command{
	Use:     "papersync",
	Short:   "Synchronize two paper replicas",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		localDir := viper.GetString("local_dir")
		remoteDir := viper.GetString("remote_dir")
		if localDir == "" || remoteDir == "" {
			return errors.New("both --local and --remote are required")
		}

		resolver, err := resolverFor(viper.GetString("prefer"))
		if err != nil {
			return err
		}

		cmd.SilenceUsage = true

		engine := sync.New(sync.Options{
			LocalDir:  localDir,
			RemoteDir: remoteDir,
			Resolver:  resolver,
			AutoMode:  viper.GetBool("auto"),
			Progress: func(message string, counts *sync.Counts) {
				if counts != nil {
					slog.Debug("progress", "phase", message,
						"records", fmt.Sprintf("%d/%d", counts.RecordsDone, counts.RecordsTotal),
						"collections", fmt.Sprintf("%d/%d", counts.CollectionsDone, counts.CollectionsTotal),
						"artifacts", fmt.Sprintf("%d/%d", counts.ArtifactsDone, counts.ArtifactsTotal))
				} else {
					slog.Debug("progress", "phase", message)
				}
			},
		})

		res, err := engine.Sync(cmd.Context())
		if err != nil {
			if errors.Is(err, sync.ErrSyncBusy) || errors.Is(err, replica.ErrReplicaBusy) {
				return fmt.Errorf("replica busy: %w", err)
			}
			return err
		}

		for _, line := range res.Details {
			fmt.Println("  " + line)
		}
		for _, e := range res.Errors {
			fmt.Fprintln(os.Stderr, "error: "+e)
		}
		for _, c := range res.Conflicts {
			fmt.Printf("conflict (%s): %s\n", c.Kind, c.ItemID)
		}
		fmt.Println(res.Summary())

		if len(res.Errors) > 0 {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("local", "l", "", "Local replica directory")
	rootCmd.Flags().StringP("remote", "r", "", "Remote replica directory")
	rootCmd.Flags().String("prefer", "", "Resolve all conflicts one way: local, remote or both")
	rootCmd.Flags().Bool("auto", false, "Run as a scheduled sync")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default ~/.papercli/sync.json)")
}

// resolverFor maps the --prefer flag to a fixed-decision resolver. With no
// preference the sync runs resolver-less and reports conflicts unresolved.
func resolverFor(prefer string) (sync.Resolver, error) {
	switch prefer {
	case "":
		return nil, nil
	case "local":
		return sync.FixedResolver(sync.KeepLocal), nil
	case "remote":
		return sync.FixedResolver(sync.KeepRemote), nil
	case "both":
		return sync.FixedResolver(sync.KeepBoth), nil
	default:
		return nil, fmt.Errorf("unknown --prefer value %q", prefer)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".papercli"))
		viper.SetConfigName("sync")
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !enoent && !notFound {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("local_dir", cmd.Flags().Lookup("local"))
	viper.BindPFlag("remote_dir", cmd.Flags().Lookup("remote"))
	viper.BindPFlag("prefer", cmd.Flags().Lookup("prefer"))
	viper.BindPFlag("auto", cmd.Flags().Lookup("auto"))
	return nil
}

func main() {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: "15:04:05",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	slog.SetDefault(slog.New(handler))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "papersync: "+err.Error())
		os.Exit(1)
	}
}
