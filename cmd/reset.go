package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/proctor/internal/utils"
)

var (
	resetDB     bool
	resetFrames bool
	resetYes    bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Annotations, Frames, Label artifact)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFrames {
			resetDB = true
			resetFrames = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB && confirm(reader, "⚠️  Are you sure you want to DROP all annotations?") {
			fmt.Println("🗑️  Clearing Database...")
			db, err := openStore(cmd.Context())
			if err != nil {
				utils.ShowError("Database unavailable", err, nil)
				return err
			}
			err = db.Reset(cmd.Context())
			db.Close()
			if err != nil {
				utils.ShowError("Failed to reset database", err, nil)
				return err
			}
		}

		if resetFrames && confirm(reader, "⚠️  Are you sure you want to delete all frames and the label artifact?") {
			fmt.Println("🗑️  Clearing Frames and Labels...")
			if n, err := removeFrames(Cfg.FramesDir); err != nil {
				fmt.Fprintf(os.Stderr, "⚠️  Failed to clear %s: %v\n", Cfg.FramesDir, err)
			} else {
				fmt.Printf("   %d frames removed\n", n)
			}
			removeFile(Cfg.LabelsFile)
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Clear stored annotations")
	resetCmd.Flags().BoolVar(&resetFrames, "frames", false, "Clear extracted frames and the label artifact")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	if resetYes {
		return true
	}
	fmt.Printf("%s [y/N]: ", prompt)
	return readYes(r)
}

func readYes(r *bufio.Reader) bool {
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

// removeFrames deletes the JPEGs in dir and reports how many went.
func removeFrames(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.jpg"))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
