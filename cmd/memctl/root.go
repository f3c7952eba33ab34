package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/app"
	"github.com/nidhogg/nuka-memory/internal/config"
)

const defaultConfigPath = "configs/memory.json"

func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "memctl",
		Short:         "Inspect and edit agent memory",
		Long:          `Operates on the same working store and long-term snapshot as memoryd.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Config file (default $CONFIG_PATH or "+defaultConfigPath+")")
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log engine activity to stderr")

	rootCmd.AddCommand(
		NewAddCmd(),
		NewSearchCmd(),
		NewListCmd(),
		NewDeleteCmd(),
		NewStatsCmd(),
		NewSummarizeCmd(),
		NewRememberCmd(),
		NewContextCmd(),
	)
	return rootCmd
}

// loadConfig resolves the config path. Without an explicit flag a missing
// default file falls back to built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	explicit := path != ""
	if !explicit {
		path = os.Getenv("CONFIG_PATH")
		explicit = path != ""
	}
	if !explicit {
		path = defaultConfigPath
	}

	cfg, err := config.Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

// openApp builds the engine and restores the long-term snapshot.
func openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger := zap.NewNop()
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		if l, lerr := zap.NewDevelopment(); lerr == nil {
			logger = l
		}
	}

	a, err := app.Build(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	if err := a.Manager.LoadMemories(cmd.Context(), "", ""); err != nil {
		a.Close()
		return nil, fmt.Errorf("load memories: %w", err)
	}
	return a, nil
}

// withApp runs fn against an opened engine, saving the snapshot afterwards
// when save is set.
func withApp(cmd *cobra.Command, save bool, fn func(*app.App) error) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := fn(a); err != nil {
		return err
	}
	if save {
		if err := a.Manager.SaveMemories(cmd.Context(), "", ""); err != nil {
			return fmt.Errorf("save memories: %w", err)
		}
	}
	return nil
}

func wantJSON(cmd *cobra.Command) bool {
	asJSON, _ := cmd.Flags().GetBool("json")
	return asJSON
}

func outputJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
