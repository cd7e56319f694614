package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tutu-network/taskvault/internal/domain"
)

func init() {
	workersCmd.Flags().StringVar(&workerCategory, "category", "", "Only active workers permitted for this category")
	workersCmd.Flags().BoolVar(&workerActive, "active", false, "Only active workers")
	rootCmd.AddCommand(workersCmd)
}

var (
	workerCategory string
	workerActive   bool
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List registered workers from the stored state",
	RunE:  runWorkers,
}

func runWorkers(cmd *cobra.Command, args []string) error {
	cat := domain.Category(workerCategory)
	if cat != "" && !cat.Valid() {
		return fmt.Errorf("unknown category %q", workerCategory)
	}

	db, _, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	all, err := db.ListWorkers(cmd.Context())
	if err != nil {
		return err
	}
	list := []domain.Worker{}
	for _, w := range all {
		if (workerActive || cat != "") && !w.Active {
			continue
		}
		if cat != "" && !w.Permits(cat) {
			continue
		}
		list = append(list, w)
	}

	out := cmd.OutOrStdout()
	if len(list) == 0 && (outputFormat == "" || outputFormat == "table") {
		fmt.Fprintln(out, "No workers.")
		return nil
	}
	return render(out, outputFormat, list, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "WORKER\tSTATE\tRELIABILITY\tTASKS\tSUCCESS\tEARNINGS\tCATEGORIES")
		for _, w := range list {
			state := "active"
			switch {
			case w.Suspended:
				state = "suspended"
			case !w.Active:
				state = "inactive"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.0f%%\t%d\t%v\n",
				w.ID, state, w.Reliability, w.TotalTasks, w.SuccessRate()*100, w.TotalEarnings, w.Categories)
		}
	})
}
