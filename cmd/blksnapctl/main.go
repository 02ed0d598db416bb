// Command blksnapctl is a cobra-based front end over the engine's control
// surface (spec.md §6). Since the ioctl session a real blksnap control
// utility would ride is explicitly out of scope (spec.md §1), blksnapctl
// instead runs the whole lifecycle of one capture in a single process:
// track the given devices, create a snapshot, append diff storage, take
// it, print the published image pairs, then poll wait_event until
// interrupted, mirroring cmd/ublk-mem's create-serve-wait-cleanup shape.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/arsaki/blksnap"
	"github.com/arsaki/blksnap/internal/logging"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "blksnapctl",
		Short: "Take and serve copy-on-write snapshots of block devices",
	}
	root.AddCommand(newSnapshotCmd())
	return root
}

func newSnapshotCmd() *cobra.Command {
	var (
		devicePaths    []string
		diffStorePaths []string
		verbose        bool
	)

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Track devices, take a snapshot, and serve it until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(cmd, devicePaths, diffStorePaths, verbose)
		},
	}
	cmd.Flags().StringSliceVar(&devicePaths, "device", nil, "path to a source device/file to track (repeatable)")
	cmd.Flags().StringSliceVar(&diffStorePaths, "diffstore", nil, "path to a diff-store device/file (repeatable)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func runSnapshot(cmd *cobra.Command, devicePaths, diffStorePaths []string, verbose bool) error {
	if len(devicePaths) == 0 {
		return fmt.Errorf("at least one --device is required")
	}
	if len(diffStorePaths) == 0 {
		return fmt.Errorf("at least one --diffstore is required")
	}

	logConfig := logging.DefaultConfig()
	if verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	engine := blksnap.NewEngine(blksnap.EngineParams{Logger: logger})

	var opened []*fileDevice
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}
	defer closeAll()

	deviceIDs := make([]string, 0, len(devicePaths))
	for i, path := range devicePaths {
		dev, err := openFileDevice(path)
		if err != nil {
			return fmt.Errorf("open device %s: %w", path, err)
		}
		opened = append(opened, dev)

		deviceID := deviceIDFor("dev", i, path)
		if err := engine.TrackAdd(deviceID, dev, noopFreezer{}); err != nil {
			return fmt.Errorf("track_add %s: %w", deviceID, err)
		}
		deviceIDs = append(deviceIDs, deviceID)
		logger.Info("tracking device", "device_id", deviceID, "path", path, "size", dev.Size())
	}

	diffStoreIDs := make([]string, 0, len(diffStorePaths))
	for i, path := range diffStorePaths {
		dev, err := openFileDevice(path)
		if err != nil {
			return fmt.Errorf("open diff store %s: %w", path, err)
		}
		opened = append(opened, dev)

		diffStoreID := deviceIDFor("diffstore", i, path)
		engine.RegisterDiffStore(diffStoreID, dev)
		diffStoreIDs = append(diffStoreIDs, diffStoreID)
	}

	snapID, err := engine.SnapshotCreate(deviceIDs)
	if err != nil {
		return fmt.Errorf("snapshot_create: %w", err)
	}
	logger.Info("snapshot created", "snapshot_id", snapID)

	for i, diffStoreID := range diffStoreIDs {
		sectorCount := opened[len(devicePaths)+i].Size() / blksnap.SectorSize
		if err := engine.SnapshotAppendStorage(snapID, diffStoreID, 0, sectorCount); err != nil {
			return fmt.Errorf("snapshot_append_storage %s: %w", diffStoreID, err)
		}
	}

	if err := engine.SnapshotTake(snapID); err != nil {
		return fmt.Errorf("snapshot_take %s: %w", snapID, err)
	}
	logger.Info("snapshot taken", "snapshot_id", snapID)

	pairs, err := engine.SnapshotCollectImages(snapID, 0)
	if err != nil {
		return fmt.Errorf("snapshot_collect_images %s: %w", snapID, err)
	}
	for _, p := range pairs {
		fmt.Fprintf(cmd.OutOrStdout(), "image: %s -> %s\n", p.OriginalDeviceID, p.ImageDeviceID)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nSnapshot %s is live. Press Ctrl+C to destroy it and exit.\n", snapID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	eventsDone := make(chan struct{})
	go pollEvents(logger, engine, snapID, eventsDone)

	<-sigCh
	close(eventsDone)

	logger.Info("destroying snapshot", "snapshot_id", snapID)
	if err := engine.SnapshotDestroy(snapID); err != nil {
		logger.Error("error destroying snapshot", "error", err)
		return err
	}
	logger.Info("snapshot destroyed", "snapshot_id", snapID)
	return nil
}

func pollEvents(logger *logging.Logger, engine *blksnap.Engine, snapID string, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		ev, err := engine.SnapshotWaitEvent(snapID, 500)
		if err != nil {
			continue
		}
		logger.Warn("snapshot event", "snapshot_id", snapID, "code", ev.Code, "payload", ev.Payload, "time", ev.Time.Format(time.RFC3339))
	}
}

func deviceIDFor(prefix string, index int, path string) string {
	base := path[strings.LastIndex(path, "/")+1:]
	if base == "" {
		base = fmt.Sprintf("%d", index)
	}
	return fmt.Sprintf("%s-%d-%s", prefix, index, base)
}

type noopFreezer struct{}

func (noopFreezer) Freeze() error { return nil }
func (noopFreezer) Thaw() error   { return nil }
