package cli

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/taskvault/internal/domain"
)

func init() {
	tasksCmd.Flags().StringVar(&taskStatus, "status", "", "Only tasks in this status")
	tasksCmd.Flags().StringVar(&taskWorker, "worker", "", "Only tasks assigned to this worker")
	tasksCmd.Flags().StringVar(&taskCreator, "creator", "", "Only tasks created by this principal")
	tasksCmd.Flags().IntVar(&taskLimit, "limit", 0, "Maximum number of tasks (0 = all)")
	tasksCmd.AddCommand(taskShowCmd)
	rootCmd.AddCommand(tasksCmd)
}

var (
	taskStatus  string
	taskWorker  string
	taskCreator string
	taskLimit   int
)

var tasksCmd = &cobra.Command{
	Use:     "tasks",
	Aliases: []string{"ls"},
	Short:   "List tasks from the stored state",
	RunE:    runTasks,
}

var taskShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

func runTasks(cmd *cobra.Command, args []string) error {
	f := domain.TaskFilter{
		Worker:  domain.Principal(taskWorker),
		Creator: domain.Principal(taskCreator),
		Limit:   taskLimit,
	}
	if taskStatus != "" {
		s, ok := domain.ParseTaskStatus(strings.ToUpper(taskStatus))
		if !ok {
			return fmt.Errorf("unknown status %q", taskStatus)
		}
		f.Status = s
	}

	db, _, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	list, err := db.ListTasks(cmd.Context(), f)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 && (outputFormat == "" || outputFormat == "table") {
		fmt.Fprintln(out, "No tasks.")
		return nil
	}
	if list == nil {
		list = []domain.Task{}
	}

	return render(out, outputFormat, list, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "ID\tCATEGORY\tSTATUS\tCREATOR\tWORKER\tPAYMENT\tMAX\tDEADLINE")
		for _, t := range list {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				t.ID, t.Category, t.Status, t.Creator, orDash(string(t.AssignedWorker)),
				t.ActualPayment, t.MaxPayment, t.Deadline.Format("2006-01-02 15:04"))
		}
	})
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid task id %q", args[0])
	}

	db, _, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	list, err := db.ListTasks(cmd.Context(), domain.TaskFilter{})
	if err != nil {
		return err
	}
	for _, t := range list {
		if t.ID != id {
			continue
		}
		return render(cmd.OutOrStdout(), outputFormat, t, func(tw *tabwriter.Writer) {
			fmt.Fprintf(tw, "ID:\t%d\n", t.ID)
			fmt.Fprintf(tw, "Category:\t%s\n", t.Category)
			fmt.Fprintf(tw, "Status:\t%s\n", t.Status)
			fmt.Fprintf(tw, "Creator:\t%s\n", t.Creator)
			fmt.Fprintf(tw, "Worker:\t%s\n", orDash(string(t.AssignedWorker)))
			fmt.Fprintf(tw, "Payment:\t%d (max %d)\n", t.ActualPayment, t.MaxPayment)
			fmt.Fprintf(tw, "Created:\t%s\n", t.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(tw, "Deadline:\t%s\n", t.Deadline.Format(time.RFC3339))
			if !t.CompletedAt.IsZero() {
				fmt.Fprintf(tw, "Completed:\t%s\n", t.CompletedAt.Format(time.RFC3339))
			}
			fmt.Fprintf(tw, "Description:\t%s\n", orDash(t.DescriptionRef))
			fmt.Fprintf(tw, "Result:\t%s\n", orDash(t.ResultRef))
			fmt.Fprintf(tw, "Verification:\t%s\n", orDash(t.VerificationRule))
		})
	}
	return fmt.Errorf("task %d: %w", id, domain.ErrTaskNotFound)
}
