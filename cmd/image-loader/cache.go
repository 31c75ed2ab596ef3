package main

import (
	"fmt"

	"github.com/spf13/cobra"
	slogctx "github.com/veqryn/slog-context"
)

func (a *app) newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the disk cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every disk cache entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			disk, err := openDiskCache(a.cfg, nil)
			if err != nil {
				return err
			}
			if err := disk.Clear(cmd.Context()); err != nil {
				return err
			}
			slogctx.FromCtx(cmd.Context()).Info("disk cache cleared", "cache_dir", a.cfg.CacheDir)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Remove expired and partially written disk cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			disk, err := openDiskCache(a.cfg, nil)
			if err != nil {
				return err
			}
			removed, err := disk.Purge(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", removed)
			return nil
		},
	})
	return cmd
}
