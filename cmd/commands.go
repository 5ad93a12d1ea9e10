package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	progressbar "github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/3FT-io/chunkvault/pkg/core"
	"github.com/3FT-io/chunkvault/pkg/ingest"
	"github.com/3FT-io/chunkvault/pkg/ledger"
	"github.com/3FT-io/chunkvault/pkg/safetensors"
)

func newTable(header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func IngestHandler(cmd *cobra.Command, args []string) error {
	var bar *progressbar.ProgressBar
	progress := func(p ingest.Progress) {
		if bar == nil {
			bar = progressbar.NewOptions(p.TensorsTotal,
				progressbar.OptionSetDescription("Uploading chunks"),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWriter(os.Stderr))
		}
		bar.Set(p.TensorsDone)
	}

	node, logger, err := openNode(cmd, core.WithIngestProgress(progress))
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer node.Stop()

	res, err := node.IngestFile(cmd.Context(), args[0])
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}

	fmt.Printf("model hash:   %s\n", res.ModelHash)
	fmt.Printf("manifest key: %s\n", res.ManifestKey)

	table := newTable([]string{"CHUNK", "FILE", "SIZE", "TENSORS"})
	for _, c := range res.Manifest {
		table.Append([]string{strconv.Itoa(c.ChunkNumber), c.Filename, humanBytes(c.Size), strconv.Itoa(len(c.Keys))})
	}
	table.Render()
	return nil
}

func InspectHandler(cmd *cobra.Command, args []string) error {
	f, err := safetensors.LoadFile(args[0])
	if err != nil {
		return err
	}

	table := newTable([]string{"NAME", "DTYPE", "SHAPE", "MIN", "MAX", "MEAN"})
	for _, t := range f.Tensors() {
		row := []string{t.Name, t.DType.String(), fmt.Sprint(t.Shape), "-", "-", "-"}
		// integer and bool tensors have no stats
		if st, err := t.Stats(); err == nil && st.Count > 0 {
			row[3] = strconv.FormatFloat(st.Min, 'g', 6, 64)
			row[4] = strconv.FormatFloat(st.Max, 'g', 6, 64)
			row[5] = strconv.FormatFloat(st.Mean, 'g', 6, 64)
		}
		table.Append(row)
	}
	table.Render()
	return nil
}

func ListHandler(cmd *cobra.Command, args []string) error {
	node, logger, err := openNode(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer node.Stop()

	models, err := node.Storage().ListModels(cmd.Context())
	if err != nil {
		return err
	}

	table := newTable([]string{"NAME", "HASH", "SIZE", "CHUNKS"})
	for _, m := range models {
		table.Append([]string{m.Name, m.Hash, humanBytes(m.Size), strconv.Itoa(m.Chunks)})
	}
	table.Render()
	return nil
}

func PlaylistHandler(cmd *cobra.Command, args []string) error {
	topN, err := cmd.Flags().GetInt("top")
	if err != nil {
		return err
	}

	node, logger, err := openNode(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer node.Stop()

	entries, err := node.Playlist(cmd.Context(), args[0], args[1], topN)
	if err != nil {
		return err
	}

	table := newTable([]string{"CHUNK", "SIMILARITY", "TENSORS", "URL"})
	for _, e := range entries {
		table.Append([]string{
			e.Filename,
			strconv.FormatFloat(e.Similarity, 'f', 4, 64),
			strings.Join(e.Keys, ","),
			e.URL,
		})
	}
	table.Render()
	return nil
}

func PresignHandler(cmd *cobra.Command, args []string) error {
	ttl, err := cmd.Flags().GetDuration("ttl")
	if err != nil {
		return err
	}

	node, logger, err := openNode(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer node.Stop()

	if ttl <= 0 {
		ttl = node.PresignTTL()
	}
	signed, err := node.Artifacts().URL(cmd.Context(), args[0], ttl)
	if err != nil {
		return err
	}

	fmt.Println(signed.URL)
	fmt.Fprintf(os.Stderr, "expires %s\n", signed.ExpiresAt.Format(time.RFC3339))
	return nil
}

func DownloadHandler(cmd *cobra.Command, args []string) error {
	chunks, err := cmd.Flags().GetStringSlice("chunks")
	if err != nil {
		return err
	}

	node, logger, err := openNode(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer node.Stop()

	f, err := os.Create(args[1])
	if err != nil {
		return err
	}

	if err := node.Storage().StreamModel(cmd.Context(), args[0], chunks, f); err != nil {
		f.Close()
		os.Remove(args[1])
		return err
	}
	return f.Close()
}

func ChainHandler(cmd *cobra.Command, args []string) error {
	node, logger, err := openNode(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer node.Stop()

	table := newTable([]string{"INDEX", "HASH", "PROOF", "MINED", "CONTRIBUTIONS"})
	for _, b := range node.Ledger().Chain() {
		hash, err := ledger.Hash(b)
		if err != nil {
			return err
		}
		sec := int64(b.Timestamp)
		mined := time.Unix(sec, int64((b.Timestamp-float64(sec))*1e9)).UTC().Format(time.RFC3339)
		table.Append([]string{
			strconv.FormatInt(b.Index, 10),
			hash[:16],
			strconv.FormatInt(b.Proof, 10),
			mined,
			strconv.Itoa(len(b.Transactions)),
		})
	}
	table.Render()

	if pending := node.Ledger().Pending(); len(pending) > 0 {
		fmt.Printf("\n%d pending contributions\n", len(pending))
	}
	return nil
}

func MineHandler(cmd *cobra.Command, args []string) error {
	node, logger, err := openNode(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer node.Stop()

	block, err := node.Mine(cmd.Context())
	if err != nil {
		return err
	}
	hash, _ := ledger.Hash(block)
	fmt.Printf("mined block %d (proof %d, %d contributions)\n%s\n", block.Index, block.Proof, len(block.Transactions), hash)
	return nil
}
