// vdometa formats and inspects the metadata of a device offline. It
// speaks the same on-disk format as the subsystem itself, over a plain
// file (or block device) or a bbolt store.
package main

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	vdo "github.com/dm-vdo/vdo-devel-sub000"
	"github.com/dm-vdo/vdo-devel-sub000/common"
	"github.com/dm-vdo/vdo-devel-sub000/common/cobrautil"
	"github.com/dm-vdo/vdo-devel-sub000/format"
	"github.com/dm-vdo/vdo-devel-sub000/journal"
	"github.com/dm-vdo/vdo-devel-sub000/storage"
)

type deviceConfig struct {
	path string
	bolt bool
}

func (d deviceConfig) open(blocks common.BlockCount) (storage.Layer, error) {
	if d.bolt {
		return storage.OpenBoltLayer(d.path, blocks)
	}
	return storage.OpenFileLayer(d.path, blocks)
}

// readSuperBlock opens the device just long enough to decode block 0, so
// commands can size the real layer from the recorded geometry.
func readSuperBlock(dev deviceConfig) (format.SuperBlockState, error) {
	layer, err := dev.open(1)
	if err != nil {
		return format.SuperBlockState{}, err
	}
	defer layer.Close()
	buf := make([]byte, common.BlockSize)
	if err := storage.ReadSync(layer, 0, buf); err != nil {
		return format.SuperBlockState{}, err
	}
	return format.DecodeSuperBlock(buf)
}

func withDevice(c *cobra.Command) cobrautil.RunE {
	var dev deviceConfig
	c.Flags().StringVar(&dev.path, "device", "", "device or image file to operate on")
	c.MarkFlagRequired("device")
	c.Flags().BoolVar(&dev.bolt, "bolt", false, "treat the device as a bbolt block store")
	return func(c *cobra.Command, args []string) error {
		cobrautil.Store(c, dev)
		return nil
	}
}

func formatCmd() *cobra.Command {
	var cfg vdo.Config
	var physical, logical, journalBlocks, slabSize, slabJournal uint64
	var roots int
	var nonce uint64

	return cobrautil.Cmd(
		&cobra.Command{Use: "format", Short: "write a fresh, empty metadata layout"},
		withDevice,
		func(c *cobra.Command) {
			c.Flags().Uint64Var(&physical, "physical-blocks", 0, "device size in blocks")
			c.MarkFlagRequired("physical-blocks")
			c.Flags().Uint64Var(&logical, "logical-blocks", 0, "addressable logical blocks")
			c.MarkFlagRequired("logical-blocks")
			c.Flags().Uint64Var(&journalBlocks, "journal-blocks", 0, "recovery journal size (0 for default)")
			c.Flags().Uint64Var(&slabSize, "slab-size", 0, "blocks per slab (0 for default)")
			c.Flags().Uint64Var(&slabJournal, "slab-journal-blocks", 0, "slab journal size (0 for default)")
			c.Flags().IntVar(&roots, "block-map-roots", 0, "block map root pages (0 for default)")
			c.Flags().Uint64Var(&nonce, "nonce", 0, "device nonce (0 for random)")
		},
		func(c *cobra.Command) error {
			dev := cobrautil.Get[deviceConfig](c)
			if nonce == 0 {
				var b [8]byte
				if _, err := rand.Read(b[:]); err != nil {
					return err
				}
				nonce = binary.LittleEndian.Uint64(b[:])
			}
			cfg = vdo.Config{
				PhysicalBlocks:    common.BlockCount(physical),
				LogicalBlocks:     common.BlockCount(logical),
				Nonce:             common.Nonce(nonce),
				JournalBlocks:     common.BlockCount(journalBlocks),
				SlabSize:          common.BlockCount(slabSize),
				SlabJournalBlocks: common.BlockCount(slabJournal),
				BlockMapRoots:     roots,
			}
			layer, err := dev.open(cfg.PhysicalBlocks)
			if err != nil {
				return err
			}
			defer layer.Close()
			if err := vdo.Format(layer, cfg); err != nil {
				return err
			}
			log.Printf("formatted %s: %d physical, %d logical, nonce %016x",
				dev.path, physical, logical, nonce)
			return nil
		},
	)
}

func dumpCmd() *cobra.Command {
	var showEntries, showSummary bool
	var zstdOut string

	return cobrautil.Cmd(
		&cobra.Command{Use: "dump", Short: "decode and print the metadata"},
		withDevice,
		func(c *cobra.Command) {
			c.Flags().BoolVar(&showEntries, "entries", false, "print decoded journal entries")
			c.Flags().BoolVar(&showSummary, "summary", false, "print per-slab summary entries")
			c.Flags().StringVar(&zstdOut, "zstd", "", "write a zstd-compressed archive of the raw metadata region here")
		},
		func(c *cobra.Command) error {
			dev := cobrautil.Get[deviceConfig](c)
			sb, err := readSuperBlock(dev)
			if err != nil {
				return err
			}
			layer, err := dev.open(sb.PhysicalBlocks)
			if err != nil {
				return err
			}
			defer layer.Close()

			printSuperBlock(sb)
			if err := dumpJournal(layer, sb, showEntries); err != nil {
				return err
			}
			if showSummary {
				if err := dumpSummary(layer, sb); err != nil {
					return err
				}
			}
			if zstdOut != "" {
				return archiveMetadata(layer, sb, zstdOut)
			}
			return nil
		},
	)
}

func printSuperBlock(sb format.SuperBlockState) {
	fmt.Printf("super block:\n")
	fmt.Printf("  nonce            %016x\n", uint64(sb.Nonce))
	fmt.Printf("  physical blocks  %d\n", sb.PhysicalBlocks)
	fmt.Printf("  logical blocks   %d\n", sb.LogicalBlocks)
	fmt.Printf("  journal start    %d\n", sb.Journal.JournalStart)
	fmt.Printf("  logical used     %d\n", sb.Journal.LogicalBlocksUsed)
	fmt.Printf("  block map pages  %d\n", sb.Journal.BlockMapDataBlocks)
	fmt.Printf("  slabs            %d x %d blocks at %d\n",
		sb.Depot.SlabCount, sb.Depot.SlabSize, sb.Depot.FirstBlock)
	fmt.Printf("  slab journal     %d blocks, %d refcount blocks\n",
		sb.Depot.JournalBlocks, sb.Depot.RefCountBlocks)
	fmt.Printf("  summary origin   %d\n", sb.Depot.SummaryOrigin)
	fmt.Printf("  block map roots  %d at %d\n", sb.BlockMap.RootCount, sb.BlockMap.RootOrigin)
}

func dumpJournal(layer storage.Layer, sb format.SuperBlockState, showEntries bool) error {
	scan, err := journal.Scan(layer, journal.Config{
		Origin: 1,
		Size:   common.BlockCount(sb.Depot.SummaryOrigin) - 1,
		Nonce:  sb.Nonce,
	})
	if err != nil {
		return err
	}
	fmt.Printf("recovery journal:\n")
	fmt.Printf("  tail             %d\n", scan.Tail)
	fmt.Printf("  block map head   %d\n", scan.BlockMapHead)
	fmt.Printf("  slab journal head %d\n", scan.SlabJournalHead)
	fmt.Printf("  entries          %d\n", len(scan.Entries))
	clean := scan.Tail <= common.SequenceNumber(sb.Journal.JournalStart)
	fmt.Printf("  shutdown         %s\n", map[bool]string{true: "clean", false: "unclean, recovery needed"}[clean])
	if !showEntries {
		return nil
	}
	for _, e := range scan.Entries {
		fmt.Printf("  %d.%d %s page %d slot %d -> pbn %d\n",
			e.Point.SequenceNumber, e.Point.EntryCount,
			e.Entry.Operation, e.Entry.PagePBN, e.Entry.Slot, e.Entry.Mapping.PBN)
	}
	return nil
}

func dumpSummary(layer storage.Layer, sb format.SuperBlockState) error {
	fmt.Printf("slab summary:\n")
	buf := make([]byte, common.BlockSize)
	for i := uint64(0); i < sb.Depot.SlabCount; i++ {
		if i%uint64(format.SummaryEntriesPerBlock) == 0 {
			pbn := common.PBN(sb.Depot.SummaryOrigin + i/uint64(format.SummaryEntriesPerBlock))
			if err := storage.ReadSync(layer, pbn, buf); err != nil {
				return err
			}
		}
		e := format.UnpackSummaryEntry(buf[(i%uint64(format.SummaryEntriesPerBlock))*format.SummaryEntrySize:])
		fmt.Printf("  slab %d: tail offset %d, fullness %d, load refcounts %v, dirty %v\n",
			i, e.TailBlockOffset, e.FullnessHint, e.LoadRefCounts, e.IsDirty)
	}
	return nil
}

// archiveMetadata compresses the fixed metadata region, everything from
// the super block through the block map roots, into one zstd frame.
func archiveMetadata(layer storage.Layer, sb format.SuperBlockState, path string) error {
	end := common.PBN(sb.Depot.FirstBlock)
	raw := make([]byte, 0, uint64(end)*common.BlockSize)
	buf := make([]byte, common.BlockSize)
	for pbn := common.PBN(0); pbn < end; pbn++ {
		if err := storage.ReadSync(layer, pbn, buf); err != nil {
			return err
		}
		raw = append(raw, buf...)
	}
	z := common.GetZstdCtxPool().Get()
	defer common.GetZstdCtxPool().Put(z)
	compressed, err := z.Compress(nil, raw)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		return err
	}
	log.Printf("wrote %d metadata blocks (%d bytes compressed) to %s", end, len(compressed), path)
	return nil
}

func main() {
	root := cobrautil.Cmd(
		&cobra.Command{
			Use:           "vdometa",
			Short:         "offline metadata tool",
			SilenceUsage:  true,
			SilenceErrors: true,
		},
		formatCmd(),
		dumpCmd(),
	)
	if err := root.Execute(); err != nil {
		log.Fatalln("error:", err)
	}
}
