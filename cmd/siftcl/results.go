package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cwbudde/siftcl/internal/store"
	"github.com/spf13/cobra"
)

var (
	keepLast      int
	olderThanDays int
	forceClean    bool

	listSource string
	listMin    int
	listLimit  int
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Manage stored detection results",
	Long: `Manage detection results saved with detect --save or by the server,
including listing, inspecting and cleaning old results.`,
}

var listResultsCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored results",
	Long: `Display stored results with source image, keypoint count, duration and
size on disk. Filters need the SQLite index.`,
	RunE: runListResults,
}

var showResultCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a stored result as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowResult,
}

var cleanResultsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean old results",
	Long: `Delete old results based on retention policy.
You can keep only the newest N results or delete results older than N days.`,
	RunE: runCleanResults,
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the result index from disk",
	RunE:  runReindex,
}

func init() {
	rootCmd.AddCommand(resultsCmd)

	resultsCmd.AddCommand(listResultsCmd)
	resultsCmd.AddCommand(showResultCmd)
	resultsCmd.AddCommand(cleanResultsCmd)
	resultsCmd.AddCommand(reindexCmd)

	listResultsCmd.Flags().StringVar(&listSource, "source", "", "Only results whose source path contains this")
	listResultsCmd.Flags().IntVar(&listMin, "min-keypoints", 0, "Only results with at least this many keypoints")
	listResultsCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum number of results (0 = all)")

	cleanResultsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the newest N results (0 = keep all)")
	cleanResultsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete results older than N days (0 = no age limit)")
	cleanResultsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func runListResults(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var infos []store.ResultInfo
	if idx, ok := st.(*store.IndexedStore); ok {
		infos, err = idx.Query(cmd.Context(), store.Filter{Source: listSource, MinKeypoints: listMin, Limit: listLimit})
	} else {
		if listSource != "" || listMin > 0 {
			return fmt.Errorf("filters require store.index to be enabled")
		}
		infos, err = st.List()
		if err == nil && listLimit > 0 && len(infos) > listLimit {
			infos = infos[:listLimit]
		}
	}
	if err != nil {
		return fmt.Errorf("failed to list results: %w", err)
	}
	return printResults(cmd.OutOrStdout(), cfg.Store.Dir, infos)
}

func printResults(out io.Writer, baseDir string, infos []store.ResultInfo) error {
	if len(infos) == 0 {
		fmt.Fprintln(out, "No results found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIMESTAMP\tSOURCE\tSIZE\tKEYPOINTS\tDURATION\tDISK")
	fmt.Fprintln(w, "--\t---------\t------\t----\t---------\t--------\t----")
	for _, info := range infos {
		sizeStr := "unknown"
		if size, err := getDirSize(filepath.Join(baseDir, "results", info.ID)); err == nil {
			sizeStr = formatBytes(size)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%dx%d\t%d\t%s\t%s\n",
			shortID(info.ID),
			info.Timestamp.Format("2006-01-02 15:04:05"),
			filepath.Base(info.Source),
			info.Width, info.Height,
			info.Keypoints,
			info.Duration.Round(time.Millisecond),
			sizeStr,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nTotal results: %d\n", len(infos))
	return nil
}

func runShowResult(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	r, err := st.Load(args[0])
	if err != nil {
		return err
	}
	doc := struct {
		*store.Result
		Keypoints []keypointJSON `json:"keypoints"`
	}{Result: r, Keypoints: make([]keypointJSON, len(r.Keypoints))}
	for i, k := range r.Keypoints {
		doc.Keypoints[i].RawKeypoint = k.Raw()
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func runCleanResults(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	out := cmd.OutOrStdout()
	infos, err := st.List()
	if err != nil {
		return fmt.Errorf("failed to list results: %w", err)
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "No results to clean.")
		return nil
	}

	toDelete := selectResultsForDeletion(infos, keepLast, olderThanDays, time.Now())
	if len(toDelete) == 0 {
		fmt.Fprintln(out, "No results match deletion criteria.")
		return nil
	}

	fmt.Fprintf(out, "Found %d result(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Fprintf(out, "  - %s (%s, %s)\n",
			shortID(info.ID),
			filepath.Base(info.Source),
			info.Timestamp.Format("2006-01-02 15:04:05"),
		)
	}

	if !forceClean && !confirm(cmd.InOrStdin(), out, "\nProceed with deletion? [y/N]: ") {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	deleted, failed := 0, 0
	for _, info := range toDelete {
		if err := st.Delete(info.ID); err != nil {
			slog.Error("Failed to delete result", "id", info.ID, "error", err)
			failed++
			continue
		}
		slog.Info("Deleted result", "id", info.ID)
		deleted++
	}

	fmt.Fprintf(out, "\nDeleted %d result(s), %d failed.\n", deleted, failed)
	return nil
}

func runReindex(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	fs, err := store.NewFSStore(cfg.Store.Dir)
	if err != nil {
		return fmt.Errorf("failed to create result store: %w", err)
	}
	idx, err := store.OpenIndexed(fs, indexPath(cfg))
	if err != nil {
		return err
	}
	defer idx.Close()

	n, err := idx.Reindex()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d result(s).\n", n)
	return nil
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	line, _ := bufio.NewReader(in).ReadString('\n')
	line = strings.TrimSpace(line)
	return line == "y" || line == "Y"
}

// selectResultsForDeletion applies the retention policy: results older
// than olderThanDays go, and of the rest only the newest keepLast stay.
// The returned slice is ordered oldest first.
func selectResultsForDeletion(infos []store.ResultInfo, keepLast, olderThanDays int, now time.Time) []store.ResultInfo {
	sorted := slices.Clone(infos)
	slices.SortStableFunc(sorted, func(a, b store.ResultInfo) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	selected := make(map[string]bool)
	if olderThanDays > 0 {
		cutoff := now.AddDate(0, 0, -olderThanDays)
		for _, info := range sorted {
			if info.Timestamp.Before(cutoff) {
				selected[info.ID] = true
			}
		}
	}
	if keepLast > 0 && len(sorted) > keepLast {
		for _, info := range sorted[:len(sorted)-keepLast] {
			selected[info.ID] = true
		}
	}

	var toDelete []store.ResultInfo
	for _, info := range sorted {
		if selected[info.ID] {
			toDelete = append(toDelete, info)
		}
	}
	return toDelete
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

// getDirSize calculates the total size of a directory
func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
