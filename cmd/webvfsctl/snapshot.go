package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/npiesco/absurder-sql/pkg/cache"
	"github.com/npiesco/absurder-sql/pkg/changebus"
	"github.com/npiesco/absurder-sql/pkg/lock"
	"github.com/npiesco/absurder-sql/pkg/snapshot"
	"github.com/npiesco/absurder-sql/pkg/store"
	"github.com/npiesco/absurder-sql/pkg/types"
)

// soleOperator always reports leadership: webvfsctl operates on a database
// directly, offline from any browser tab, so it is always the only writer
// present and never needs to race anyone for the lease.
type soleOperator struct{}

func (soleOperator) IsLeader() bool { return true }

var inspectCmd = &cobra.Command{
	Use:   "inspect NAME",
	Short: "Print a database's metadata record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		name := args[0]

		bs, err := store.NewBoltStore(dataDir, name, store.Options{})
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer bs.Close()

		raw, found, err := bs.GetMeta()
		if err != nil {
			return fmt.Errorf("read metadata: %w", err)
		}
		if !found {
			fmt.Printf("Database %q has no metadata record yet (never written to).\n", name)
			return nil
		}
		meta, err := store.DecodeMetadata(raw)
		if err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}

		fmt.Printf("Database: %s\n", name)
		fmt.Printf("  Schema version:  %d\n", meta.Version)
		fmt.Printf("  Block size:      %d\n", meta.BlockSize)
		fmt.Printf("  File size:       %d bytes\n", meta.FileSize)
		fmt.Printf("  Generation:      %d\n", meta.Generation)
		fmt.Printf("  Last writer:     %s\n", hex.EncodeToString(meta.LastWriter[:]))
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export NAME --out FILE",
	Short: "Export a database to a byte-identical snapshot file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		out, _ := cmd.Flags().GetString("out")
		name := args[0]

		eng, bs, err := openSnapshotEngine(dataDir, name)
		if err != nil {
			return err
		}
		defer bs.Close()

		buf, err := eng.Export(context.Background())
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}

		if err := os.WriteFile(out, buf, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}

		fmt.Printf("✓ Exported %s: %d bytes written to %s\n", name, len(buf), out)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import NAME --in FILE",
	Short: "Atomically replace a database's contents from a snapshot file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		in, _ := cmd.Flags().GetString("in")
		name := args[0]

		data, err := os.ReadFile(in)
		if err != nil {
			return fmt.Errorf("read %s: %w", in, err)
		}

		eng, bs, err := openSnapshotEngine(dataDir, name)
		if err != nil {
			return err
		}
		defer bs.Close()

		if err := eng.Import(context.Background(), data); err != nil {
			return fmt.Errorf("import: %w", err)
		}

		fmt.Printf("✓ Imported %s: %d bytes from %s\n", name, len(data), in)
		return nil
	},
}

func init() {
	exportCmd.Flags().String("out", "", "Output file for the snapshot (required)")
	_ = exportCmd.MarkFlagRequired("out")

	importCmd.Flags().String("in", "", "Input snapshot file to import (required)")
	_ = importCmd.MarkFlagRequired("in")
}

const defaultBlockSize = types.BlockSize4K

// openSnapshotEngine wires a standalone Block Store, Page Cache and Lock
// Manager for offline use by this CLI, with no Change Bus peer to notify
// (the import still emits a ChangeEvent, it just has no subscribers) and a
// LeadershipChecker that always grants RESERVED/EXCLUSIVE, since there is
// no multi-tab contention to arbitrate outside the browser.
func openSnapshotEngine(dataDir, name string) (*snapshot.Engine, *store.BoltStore, error) {
	bs, err := store.NewBoltStore(dataDir, name, store.Options{})
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	pageCache, err := cache.New(defaultBlockSize, 64,
		func(idx uint64) ([]byte, bool, error) { return bs.Get(store.BlockKey(idx)) },
		func(entries []types.CacheEntry) error {
			pairs := make([]store.KV, len(entries))
			for i, e := range entries {
				pairs[i] = store.KV{Key: store.BlockKey(e.BlockIndex), Value: e.Bytes}
			}
			return bs.PutBatch(pairs)
		},
	)
	if err != nil {
		_ = bs.Close()
		return nil, nil, fmt.Errorf("init cache: %w", err)
	}

	lockMgr := lock.New(soleOperator{})
	bus := changebus.New()
	leaderID := func() [16]byte { return [16]byte{} }

	eng := snapshot.New(bs, pageCache, lockMgr, defaultBlockSize, leaderID, bus)
	return eng, bs, nil
}
