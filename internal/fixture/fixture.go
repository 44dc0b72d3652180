// Package fixture builds synthetic node databases for tests.
package fixture

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/tonexporter/pkg/archive"
	"github.com/Sumatoshi-tech/tonexporter/pkg/block"
	"github.com/Sumatoshi-tech/tonexporter/pkg/boc"
)

// Package describes one synthetic package.
type Package struct {
	// Name is the package base name inside arch0000, e.g. "archive.00000".
	Name string

	// Blocks is the number of well-formed block entries.
	Blocks int

	// Malformed is the number of block entries whose payload is not a bag of cells.
	Malformed int

	// Foreign is the number of block entries holding a valid container that is not a block.
	Foreign int

	// Indexed writes a sibling .index file.
	Indexed bool
}

// ArchiveDir is the archive directory every fixture package is written to.
const ArchiveDir = "arch0000"

// Key returns the catalog key the package will have.
func (p Package) Key() string {
	return ArchiveDir + "/" + p.Name
}

// Block returns the i-th synthetic block of a package.
func Block(seqno int) *block.Block {
	return &block.Block{
		GlobalID: -239,
		Info: block.Info{
			SeqNo:    uint32(seqno),
			GenUtime: uint32(1_700_000_000 + seqno),
			StartLt:  uint64(seqno) * 1000,
			EndLt:    uint64(seqno)*1000 + 1,
			Shard:    block.ShardIdent{WorkchainID: block.MasterchainID},
		},
	}
}

// BlockBytes returns the serialized container of Block(seqno).
func BlockBytes(t testing.TB, seqno int) []byte {
	t.Helper()

	data, err := block.Marshal(Block(seqno))
	require.NoError(t, err)

	return data
}

// ForeignBytes returns a valid container whose root is not a block.
func ForeignBytes(t testing.TB, n int) []byte {
	t.Helper()

	b := boc.NewBuilder()
	require.NoError(t, b.StoreUInt(0xcafe0000+uint64(n), 32))

	return boc.Serialize(b.EndCell(), false)
}

// MalformedBytes returns bytes that fail container decoding.
func MalformedBytes(n int) []byte {
	return []byte(fmt.Sprintf("garbage-%d", n))
}

// WriteDB writes a node database under a fresh temp dir and returns its root.
func WriteDB(t testing.TB, pkgs ...Package) string {
	t.Helper()

	root := t.TempDir()
	dir := filepath.Join(root, "packages", ArchiveDir)
	require.NoError(t, os.MkdirAll(dir, 0o750))

	seqno := 1

	for _, p := range pkgs {
		f, err := os.Create(filepath.Join(dir, p.Name+".pack"))
		require.NoError(t, err)

		w, err := archive.NewWriter(f)
		require.NoError(t, err)

		for range p.Blocks {
			name := fmt.Sprintf("block_(-1,8000000000000000,%d):%064x:%064x", seqno, seqno, seqno)
			require.NoError(t, w.WriteEntry(name, BlockBytes(t, seqno)))

			seqno++
		}

		for i := range p.Malformed {
			name := fmt.Sprintf("block_(-1,8000000000000000,%d):bad%d:bad%d", seqno, i, i)
			require.NoError(t, w.WriteEntry(name, MalformedBytes(i)))

			seqno++
		}

		for i := range p.Foreign {
			name := fmt.Sprintf("block_(-1,8000000000000000,%d):foreign%d:foreign%d", seqno, i, i)
			require.NoError(t, w.WriteEntry(name, ForeignBytes(t, i)))

			seqno++
		}

		// Non-block entries are skipped by the catalog.
		require.NoError(t, w.WriteEntry("proof_(-1,8000000000000000,1):aa:bb", []byte{1, 2, 3}))
		require.NoError(t, f.Close())

		if p.Indexed {
			require.NoError(t, os.WriteFile(filepath.Join(dir, p.Name+".index"), []byte("idx"), 0o600))
		}
	}

	return root
}
