package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/proctor/internal/analysis"
	"github.com/andresmejia3/proctor/internal/store"
	"github.com/andresmejia3/proctor/internal/utils"
)

var annotationsCmd = &cobra.Command{
	Use:   "annotations",
	Short: "List all stored frame annotations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		db, err := openStore(cmd.Context())
		if err != nil {
			utils.ShowError("Database unavailable", err, nil)
			return err
		}
		defer db.Close()
		return listAnnotations(cmd.Context(), db, os.Stdout)
	},
}

var analysisCmd = &cobra.Command{
	Use:   "analysis <video_name>",
	Short: "Summarize the stored annotations of a video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		db, err := openStore(cmd.Context())
		if err != nil {
			utils.ShowError("Database unavailable", err, nil)
			return err
		}
		defer db.Close()
		return printAnalysis(cmd.Context(), db, args[0], os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(annotationsCmd)
	rootCmd.AddCommand(analysisCmd)
}

func listAnnotations(ctx context.Context, db store.Store, out io.Writer) error {
	annotations, err := db.ListAnnotations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list annotations: %w", err)
	}

	if len(annotations) == 0 {
		fmt.Fprintln(out, "No annotations found in database.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tVIDEO\tFRAME\tNUMBER\tTIME\tLABEL\tCREATED")
	fmt.Fprintln(w, "--\t-----\t-----\t------\t----\t-----\t-------")

	for _, a := range annotations {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n", a.ID, a.VideoName, a.FrameName, a.FrameNumber,
			fmtTime(float64(a.TimestampSec)), a.Label, a.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func printAnalysis(ctx context.Context, db store.Store, videoName string, out io.Writer) error {
	counts, err := db.LabelCounts(ctx, videoName)
	if err != nil {
		return fmt.Errorf("failed to count labels: %w", err)
	}
	r := analysis.Summarize(counts)

	fmt.Fprintf(out, "📊 %s\n", videoName)
	fmt.Fprintf(out, "   Total frames:     %d\n", r.TotalFrames)
	fmt.Fprintf(out, "   Cheating frames:  %d (%.2f%%)\n", r.CheatingFrames, r.CheatingPercentage)
	fmt.Fprintf(out, "   Conclusion:       %s\n", r.OverallConclusion)
	return nil
}
