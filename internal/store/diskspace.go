package store

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

// checkFreeSpace refuses to open the store when the filesystem holding
// path has less than minFreeGB of free space. badger keeps appending to
// value logs, and running a node into a full disk corrupts nothing but
// strands the user mid-write.
func checkFreeSpace(path string, minFreeGB int, log *logrus.Logger) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("create store directory %q: %w", path, err)
	}

	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("read disk usage for %q: %w", path, err)
	}

	freeGB := float64(usage.Free) / 1e9

	log.WithFields(logrus.Fields{
		"path":       path,
		"total (GB)": fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
		"free (GB)":  fmt.Sprintf("%.2f", freeGB),
	}).Info("store disk usage")

	if freeGB < float64(minFreeGB) {
		return fmt.Errorf("not enough free space at %q: %.2f GB free, %d GB required", path, freeGB, minFreeGB)
	}

	return nil
}
