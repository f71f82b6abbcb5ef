package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var kvCmd = &cobra.Command{
	Use:   "kv",
	Short: "Get and set key/value pairs on this host's chain",
}

var kvSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a key to a value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cs, _, _, err := openNode()
		if err != nil {
			return err
		}
		defer cs.Close()

		if err := cs.KvSet(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Println(color.GreenString("✓") + " " + args[0] + " set")
		return nil
	},
}

var kvGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the current value of a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cs, _, _, err := openNode()
		if err != nil {
			return err
		}
		defer cs.Close()

		rec, err := cs.KvGet(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("key %q is not set", args[0])
		}
		fmt.Println(rec.Value)
		return nil
	},
}

func init() {
	kvCmd.AddCommand(kvSetCmd)
	kvCmd.AddCommand(kvGetCmd)
}
