package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/i5heu/chainsync/pkg/encryption"
)

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the master key, rewrapping every stored record",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cs, conf, _, err := openNode()
		if err != nil {
			return err
		}
		defer cs.Close()

		newKey := make([]byte, encryption.KeySize)
		if _, err := rand.Read(newKey); err != nil {
			return fmt.Errorf("generate new key: %w", err)
		}

		s, cleanup := startSpinner("Rotating master key...")
		defer cleanup()

		rotated, err := cs.RotateKey(cmd.Context(), newKey)
		if err != nil {
			s.FinalMSG = color.RedString("✗") + fmt.Sprintf(" rotation failed after %d records: %v", rotated, err)
			return err
		}

		// the old key file is kept aside until the new one is on disk
		backupPath := conf.KeyPath + ".old"
		if err := os.Rename(conf.KeyPath, backupPath); err != nil {
			return fmt.Errorf("preserve old key file: %w", err)
		}
		encoded := base64.StdEncoding.EncodeToString(newKey)
		if err := os.WriteFile(conf.KeyPath, []byte(encoded), 0o600); err != nil {
			return fmt.Errorf("write new key file: %w", err)
		}

		s.FinalMSG = color.GreenString("✓") + fmt.Sprintf(" rotated %d records; previous key kept at %s", rotated, backupPath)
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup <file>",
	Short: "Export the record store to a compressed archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cs, _, _, err := openNode()
		if err != nil {
			return err
		}
		defer cs.Close()

		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("create archive %q: %w", args[0], err)
		}
		defer f.Close()

		s, cleanup := startSpinner("Exporting records...")
		defer cleanup()

		exported, err := cs.Backup(cmd.Context(), f)
		if err != nil {
			s.FinalMSG = color.RedString("✗") + fmt.Sprintf(" export failed: %v", err)
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("finish archive %q: %w", args[0], err)
		}

		s.FinalMSG = color.GreenString("✓") + fmt.Sprintf(" exported %d records to %s", exported, args[0])
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Import records from an archive produced by backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cs, _, _, err := openNode()
		if err != nil {
			return err
		}
		defer cs.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open archive %q: %w", args[0], err)
		}
		defer f.Close()

		s, cleanup := startSpinner("Importing records...")
		defer cleanup()

		imported, err := cs.Restore(cmd.Context(), f)
		if err != nil {
			s.FinalMSG = color.RedString("✗") + fmt.Sprintf(" import failed: %v", err)
			return err
		}

		s.FinalMSG = color.GreenString("✓") + fmt.Sprintf(" imported %d records from %s", imported, args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the local store and sync state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cs, conf, path, err := openNode()
		if err != nil {
			return err
		}
		defer cs.Close()

		total, err := cs.Store().TotalLen(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Println(color.CyanString("host id:    ") + conf.HostID)
		fmt.Println(color.CyanString("config:     ") + path)
		fmt.Println(color.CyanString("store:      ") + conf.DBPath)
		fmt.Printf(color.CyanString("records:    ")+"%d\n", total)
		if conf.SyncAddress == "" {
			fmt.Println(color.CyanString("relay:      ") + color.YellowString("not configured"))
		} else {
			fmt.Println(color.CyanString("relay:      ") + conf.SyncAddress)
		}
		return nil
	},
}
