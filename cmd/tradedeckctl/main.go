// Command tradedeckctl is the operator CLI: it sends control intents
// through the same strategy control service contract external writers use,
// and prints read-only diagnostics over reconciliation history and circuit
// breaker state.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/tradeforge/engine/internal/config"
	"github.com/tradeforge/engine/internal/domain"
	"github.com/tradeforge/engine/internal/logging"
	"github.com/tradeforge/engine/internal/risk"
	"github.com/tradeforge/engine/internal/store"
	"github.com/tradeforge/engine/internal/strategycontrol"
)

var dbPath string

func main() {
	root := &cobra.Command{
		Use:   "tradedeckctl",
		Short: "Operator CLI for the trading engine control plane",
	}
	root.PersistentFlags().StringVar(&dbPath, "db", envOr("DATABASE_URL", "tradedeck.db"), "path to the durable store")

	root.AddCommand(killCmd(), unkillCmd(), statusCmd(), controlCmd(), diagCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func openStore() (*store.Store, error) {
	return store.Open(dbPath)
}

func killCmd() *cobra.Command {
	var reason, actor string
	cmd := &cobra.Command{
		Use:   "kill <session-id>",
		Short: "Manually trigger the kill switch for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			log := logging.New(logging.Options{Level: "warn"})
			eng := risk.New(st, nil, nil, config.Defaults().Risk, log)
			flipped, err := eng.TriggerKillSwitch(args[0], domain.KillReason(reason), actor)
			if err != nil {
				return err
			}
			fmt.Printf("kill switch triggered: %v\n", flipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", string(domain.KillManual), "kill reason")
	cmd.Flags().StringVar(&actor, "actor", "operator", "actor recorded on the audit event")
	return cmd
}

func unkillCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "unkill <session-id>",
		Short: "Manually deactivate the kill switch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			log := logging.New(logging.Options{Level: "warn"})
			eng := risk.New(st, nil, nil, config.Defaults().Risk, log)
			cleared, err := eng.DeactivateKillSwitch(args[0], actor)
			if err != nil {
				return err
			}
			fmt.Printf("kill switch deactivated: %v\n", cleared)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "operator", "actor recorded on the audit event")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print today's session and every strategy's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			sess, err := st.GetSessionByDate(time.Now().UTC().Format("2006-01-02"))
			if err == nil {
				fmt.Printf("session %s (%s): killed=%v reason=%s realized=%.2f unrealized=%.2f\n",
					sess.ID, sess.Date, sess.IsKilled, sess.KillReason, sess.RealizedPnL, sess.UnrealizedPnL)
			}

			strategies, err := st.ListStrategies()
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.Header("Strategy", "Status", "Signal", "PnL", "Open Qty", "Error Count")
			for _, s := range strategies {
				table.Append(s.Name, string(s.Status), string(s.CurrentSignal),
					fmt.Sprintf("%.2f", s.PnL), strconv.FormatInt(s.OpenQty, 10), strconv.Itoa(s.ErrorCount))
			}
			table.Render()
			return nil
		},
	}
}

func controlCmd() *cobra.Command {
	var actor, ip string
	var confirm, wait bool
	cmd := &cobra.Command{
		Use:   "control <strategy> <pause|resume|stop|start>",
		Short: "Send a control intent to a strategy",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			intent := domain.ControlIntent(args[1])
			if intent == domain.IntentStop && !confirm {
				return fmt.Errorf("stop requires --confirm")
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			log := logging.New(logging.Options{Level: "warn"})
			svc := strategycontrol.New(st, 200*time.Millisecond, 10*time.Second, log)
			resp, err := svc.SendIntent(args[0], intent, actor, ip, confirm, wait)
			if err != nil {
				return err
			}
			fmt.Printf("status=%s current_status=%s", resp.Status, resp.CurrentStatus)
			if resp.AckLatencyMS != nil {
				fmt.Printf(" ack_latency_ms=%d", *resp.AckLatencyMS)
			}
			fmt.Println()
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "operator", "actor recorded on the control log")
	cmd.Flags().StringVar(&ip, "ip", "", "caller IP recorded on the control log")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "required for stop")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the executor to acknowledge")
	return cmd
}

func diagCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "diag",
		Short: "Print recent reconciliation log rows and circuit breaker states",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			breakers, err := st.ListBreakerStates()
			if err != nil {
				return err
			}
			bTable := tablewriter.NewWriter(os.Stdout)
			bTable.Header("Service", "State", "Failures", "Successes", "Next Attempt")
			for _, b := range breakers {
				next := ""
				if b.NextAttemptAt != nil {
					next = b.NextAttemptAt.Format(time.RFC3339)
				}
				bTable.Append(b.ServiceName, string(b.State), strconv.Itoa(b.FailureCount), strconv.Itoa(b.SuccessCount), next)
			}
			bTable.Render()

			logs, err := st.RecentReconciliationLog(limit)
			if err != nil {
				return err
			}
			lTable := tablewriter.NewWriter(os.Stdout)
			lTable.Header("Ran At", "Status", "Checked", "Mismatches", "Duration(ms)")
			for _, l := range logs {
				lTable.Append(l.RanAt.Format(time.RFC3339), string(l.Status),
					strconv.Itoa(l.CountChecked), strconv.Itoa(len(l.Mismatches)), strconv.FormatInt(l.DurationMS, 10))
			}
			lTable.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of reconciliation log rows to show")
	return cmd
}

