package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/taskvault/internal/domain"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the treasury and registry summary from the stored state",
	RunE:  runStatus,
}

type statusView struct {
	NodeID     string                     `json:"node_id"`
	SavedAt    time.Time                  `json:"saved_at"`
	JournalSeq int64                      `json:"journal_seq"`
	Balance    int64                      `json:"total_balance"`
	Reserved   int64                      `json:"total_reserved"`
	Available  int64                      `json:"available"`
	DailySpent int64                      `json:"daily_spent"`
	Rules      domain.TreasuryRules       `json:"rules"`
	Tasks      map[domain.TaskStatus]int  `json:"tasks"`
	Workers    int                        `json:"workers"`
	Active     int                        `json:"active_workers"`
	Payouts    map[domain.Principal]int64 `json:"payouts,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, _, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	st, found, err := db.LoadState(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !found {
		fmt.Fprintln(out, "No saved state yet. Run 'taskvault serve' to start the vault.")
		return nil
	}

	nodeID, _ := db.GetNodeInfo("node_id")
	v := statusView{
		NodeID:     nodeID,
		SavedAt:    st.SavedAt,
		JournalSeq: st.JournalSeq,
		Balance:    st.Ledger.TotalBalance,
		Reserved:   st.Ledger.TotalReserved,
		Available:  st.Ledger.TotalBalance - st.Ledger.TotalReserved,
		DailySpent: st.Ledger.DailySpent,
		Rules:      st.Ledger.Rules,
		Tasks:      make(map[domain.TaskStatus]int),
		Workers:    len(st.Workers),
		Payouts:    st.Ledger.Payouts,
	}
	for _, t := range st.Tasks {
		v.Tasks[t.Status]++
	}
	for _, w := range st.Workers {
		if w.Active {
			v.Active++
		}
	}

	return render(out, outputFormat, v, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "Node:\t%s\n", orDash(v.NodeID))
		fmt.Fprintf(tw, "Saved:\t%s (journal seq %d)\n", v.SavedAt.Format(time.RFC3339), v.JournalSeq)
		fmt.Fprintf(tw, "Balance:\t%d\n", v.Balance)
		fmt.Fprintf(tw, "Reserved:\t%d\n", v.Reserved)
		fmt.Fprintf(tw, "Available:\t%d\n", v.Available)
		fmt.Fprintf(tw, "Spent today:\t%d / %d\n", v.DailySpent, v.Rules.MaxSpendPerDay)
		fmt.Fprintf(tw, "Per task:\t%d..%d\n", v.Rules.MinTaskValue, v.Rules.MaxSpendPerTask)
		fmt.Fprintf(tw, "Workers:\t%d (%d active)\n", v.Workers, v.Active)
		fmt.Fprint(tw, "Tasks:\t")
		for _, s := range []domain.TaskStatus{domain.TaskCreated, domain.TaskAssigned, domain.TaskSubmitted,
			domain.TaskCompleted, domain.TaskFailed, domain.TaskCancelled} {
			fmt.Fprintf(tw, "%s=%d ", s, v.Tasks[s])
		}
		fmt.Fprintln(tw)
	})
}
