package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/briandowns/spinner"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/i5heu/chainsync"
	"github.com/i5heu/chainsync/internal/config"
	intrelay "github.com/i5heu/chainsync/internal/relay"
)

var (
	configPath string
	verbose    bool

	logger = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   "chainsync",
	Short: "chainsync - encrypted record chains synced through an untrusted relay",
	Long: `chainsync keeps append-only chains of encrypted records per host and
converges them with other hosts through a relay that never sees
plaintext.

Run 'chainsync help <command>' for details on a specific command.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		} else {
			logger.SetLevel(logrus.WarnLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(kvCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	dir, err := config.DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// openNode loads the config and key material and opens the local node.
// The returned config path is where watermark updates get saved back.
func openNode() (*chainsync.ChainSync, config.Config, string, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, config.Config{}, "", err
	}

	conf, err := config.Load(path)
	if err != nil {
		return nil, config.Config{}, "", err
	}

	key, err := config.EnsureKey(conf.KeyPath)
	if err != nil {
		return nil, config.Config{}, "", err
	}

	nodeConf := chainsync.Config{
		DBPath:        conf.DBPath,
		MinimumFreeGB: conf.MinimumFreeGB,
		HostID:        conf.HostID,
		MasterKey:     key,
		PageSize:      conf.PageSize,
		Logger:        logger,
	}
	if conf.SyncAddress != "" {
		client, err := intrelay.NewHTTPClient(intrelay.ClientConfig{
			Address: conf.SyncAddress,
			Logger:  logger,
		})
		if err != nil {
			return nil, config.Config{}, "", err
		}
		nodeConf.Relay = client
	}

	cs, err := chainsync.New(nodeConf)
	if err != nil {
		return nil, config.Config{}, "", err
	}
	return cs, conf, path, nil
}

func startSpinner(message string) (*spinner.Spinner, func()) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	_ = s.Color("cyan")

	if !verbose {
		s.Start()
		log.SetOutput(io.Discard)
	}

	cleanup := func() {
		if !verbose {
			log.SetOutput(os.Stdout)
		}
		s.Stop()
		if s.FinalMSG != "" {
			fmt.Println(s.FinalMSG)
		}
	}
	return s, cleanup
}
