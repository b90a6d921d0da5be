package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func createDepsCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deps",
		Short: "Manage the external binaries (nginx, ffmpeg, loki, alloy)",
	}

	install := &cobra.Command{
		Use:   "install",
		Short: "Download every dependency that is not installed yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.DepsInstall(cmd.Context())
		},
	}
	update := &cobra.Command{
		Use:   "update",
		Short: "Check for newer releases and stage them for the next start",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.DepsUpdate(cmd.Context())
		},
	}
	list := &cobra.Command{
		Use:   "list TARGET_DIR",
		Short: "List installed versions and archived installs of a dependency directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.DepsList(args[0])
		},
	}
	f := &DepsFlags{}
	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Restore an archived install",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.DepsRecover(*f)
		},
	}
	recoverCmd.Flags().StringVar(&f.Key, "key", "", "dependency key (nginx, ffmpeg, loki, alloy)")
	recoverCmd.Flags().StringVar(&f.Archive, "archive", "", "archive name as printed by deps list")
	if err := recoverCmd.MarkFlagRequired("key"); err != nil {
		panic(err)
	}
	if err := recoverCmd.MarkFlagRequired("archive"); err != nil {
		panic(err)
	}

	cmd.AddCommand(install, update, list, recoverCmd)
	return cmd
}

// DepsInstall installs missing dependencies.
func (c command) DepsInstall(ctx context.Context) error {
	a, err := c.load()
	if err != nil {
		return err
	}
	defer a.Close()
	if !a.depsManager().EnsureAllDependenciesInstalled(ctx) {
		return errors.New("one or more dependencies could not be installed")
	}
	fmt.Println("All dependencies installed")
	return nil
}

// DepsUpdate stages newer releases; they are applied on the next start.
func (c command) DepsUpdate(ctx context.Context) error {
	a, err := c.load()
	if err != nil {
		return err
	}
	defer a.Close()
	m := a.depsManager()
	if err := m.CheckForUpdates(ctx); err != nil {
		return fmt.Errorf("update check: %w", err)
	}
	pending := m.Pending()
	if len(pending) == 0 {
		fmt.Println("Everything is up to date")
		return nil
	}
	fmt.Printf("Staged updates for %v; they are applied on the next start\n", pending)
	return nil
}

// DepsList prints installed versions and archives of one target directory.
func (c command) DepsList(targetDir string) error {
	a, err := c.load()
	if err != nil {
		return err
	}
	defer a.Close()
	m := a.depsManager()
	printJSON(map[string]any{
		"installed": m.InstalledVersions(targetDir),
		"archives":  m.Archives(targetDir),
		"pending":   m.Pending(),
	})
	return nil
}

// DepsRecover restores an archived install in place of the current one.
func (c command) DepsRecover(f DepsFlags) error {
	a, err := c.load()
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.depsManager().Recover(f.Key, f.Archive); err != nil {
		return fmt.Errorf("recover %s: %w", f.Key, err)
	}
	fmt.Printf("Restored %s from %s\n", f.Key, f.Archive)
	return nil
}
