package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/i5heu/chainsync/internal/config"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass against the configured relay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cs, conf, path, err := openNode()
		if err != nil {
			return err
		}
		defer cs.Close()

		if conf.SyncAddress == "" {
			return fmt.Errorf("no sync_address configured in %s", path)
		}

		s, cleanup := startSpinner("Syncing...")
		defer cleanup()

		started := time.Now().UnixNano()
		downloaded, uploaded, err := cs.Sync(cmd.Context(), conf.LastSync)
		if err != nil {
			s.FinalMSG = color.RedString("✗") + fmt.Sprintf(" sync failed after %d down / %d up: %v", downloaded, uploaded, err)
			return err
		}

		conf.LastSync = started
		if err := config.Save(path, conf); err != nil {
			return err
		}

		s.FinalMSG = color.GreenString("✓") + fmt.Sprintf(" synced: %d downloaded, %d uploaded", downloaded, uploaded)
		return nil
	},
}
