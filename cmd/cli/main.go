package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/angariumd/gridq/internal/client"
	"github.com/angariumd/gridq/internal/config"
	"github.com/angariumd/gridq/internal/models"
)

const requestTimeout = 10 * time.Second

var (
	cfgFile string
	v       *viper.Viper
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "gridq",
		Short:         "Submit jobs to and inspect a gridq controller",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if v, err = config.NewCLIViper(cfgFile); err != nil {
				return err
			}
			if err := v.BindPFlag("server_addr", cmd.Root().PersistentFlags().Lookup("server")); err != nil {
				return err
			}
			return v.BindPFlag("admin_url", cmd.Root().PersistentFlags().Lookup("admin"))
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.gridq.yaml)")
	rootCmd.PersistentFlags().String("server", "", "controller job address (host:port)")
	rootCmd.PersistentFlags().String("admin", "", "controller admin API URL")

	var (
		priority int
		timeout  int
		legacy   bool
	)
	submitCmd := &cobra.Command{
		Use:   "submit [script...]",
		Short: "Submit a script",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitJob(strings.Join(args, " "), priority, timeout, legacy)
		},
	}
	submitCmd.Flags().IntVarP(&priority, "priority", "p", models.DefaultPriority, "Priority from 1 (lowest) to 10 (highest)")
	submitCmd.Flags().IntVarP(&timeout, "timeout", "t", models.DefaultTimeoutSeconds, "Timeout in seconds")
	submitCmd.Flags().BoolVar(&legacy, "legacy", false, "Send the bare JOB:<script> form and let the controller pick defaults")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue and worker counts",
		RunE:  func(cmd *cobra.Command, args []string) error { return showStats(os.Stdout) },
	}

	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "List pending and running jobs",
		RunE:  func(cmd *cobra.Command, args []string) error { return listJobs(os.Stdout) },
	}

	workersCmd := &cobra.Command{
		Use:   "workers",
		Short: "List workers",
		RunE:  func(cmd *cobra.Command, args []string) error { return listWorkers(os.Stdout) },
	}

	var limit int
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show persisted job history",
		RunE:  func(cmd *cobra.Command, args []string) error { return showHistory(os.Stdout, limit) },
	}
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of recent jobs")

	var eventLimit int
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent audit events of the current run",
		RunE:  func(cmd *cobra.Command, args []string) error { return listEvents(os.Stdout, eventLimit) },
	}
	eventsCmd.Flags().IntVarP(&eventLimit, "limit", "n", 50, "Number of events")

	var yes bool
	shutdownCmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the controller gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && !confirm(os.Stdin, os.Stdout, "Shut down the controller?") {
				fmt.Println("aborted")
				return nil
			}
			return requestShutdown()
		},
	}
	shutdownCmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")

	var refresh time.Duration
	consoleCmd := &cobra.Command{
		Use:   "console",
		Short: "Interactive operator console",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(os.Stdin, os.Stdout, refresh)
		},
	}
	consoleCmd.Flags().DurationVar(&refresh, "refresh", 0, "Redraw the dashboard at this interval (0 disables)")

	configCmd := &cobra.Command{Use: "config", Short: "Manage the CLI config file"}
	configSetCmd := &cobra.Command{
		Use:       "set <server_addr|admin_url> <value>",
		Short:     "Persist a setting to the config file",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"server_addr", "admin_url"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return setConfig(args[0], args[1])
		},
	}
	configCmd.AddCommand(configSetCmd)

	rootCmd.AddCommand(submitCmd, statsCmd, jobsCmd, workersCmd, historyCmd, eventsCmd, shutdownCmd, consoleCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func adminClient() *client.Admin {
	return client.NewAdmin(v.GetString("admin_url"), requestTimeout)
}

func submitJob(script string, priority, timeout int, legacy bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	sub, err := client.DialSubmitter(ctx, v.GetString("server_addr"), requestTimeout)
	if err != nil {
		return err
	}
	defer sub.Close()

	var id int64
	if legacy {
		id, err = sub.SubmitLegacy(script)
	} else {
		id, err = sub.Submit(models.JobDraft{Script: script, Priority: priority, TimeoutSeconds: timeout})
	}
	if err != nil {
		return err
	}
	fmt.Printf("Job submitted! ID: %d\n", id)
	return nil
}

func showStats(w io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	st, err := adminClient().Stats(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOTAL\tPENDING\tRUNNING\tCOMPLETED\tFAILED\tTIMED OUT\tWORKERS")
	fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%d/%d\n",
		st.Queue.Total, st.Queue.Pending, st.Queue.Running, st.Queue.Completed, st.Queue.Failed, st.Queue.TimedOut,
		st.WorkersAlive, st.WorkersTotal)
	return tw.Flush()
}

func listJobs(w io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	jobs, err := adminClient().Jobs(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRIO\tTIMEOUT\tWORKER\tSUBMITTED\tSCRIPT")
	for _, j := range append(jobs.Running, jobs.Pending...) {
		worker := "-"
		if j.AssignedWorker != nil {
			worker = fmt.Sprint(*j.AssignedWorker)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%ds\t%s\t%s\t%s\n",
			j.ID, j.Status, j.Priority, j.TimeoutSeconds, worker, j.SubmittedAt.Local().Format("15:04:05"), abbreviate(j.Script, 40))
	}
	return tw.Flush()
}

func listWorkers(w io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	workers, err := adminClient().Workers(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tHOSTNAME\tSTATE\tACTIVE\tLAST HEARTBEAT\tADDR")
	for _, wk := range workers {
		state := "ALIVE"
		if !wk.Alive {
			state = "DEAD"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			wk.ID, wk.Hostname, state, wk.ActiveJobCount, wk.LastHeartbeat.Local().Format("15:04:05"), wk.RemoteAddr)
	}
	return tw.Flush()
}

func showHistory(w io.Writer, limit int) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	h, err := adminClient().History(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Run %s\n", h.RunID)
	fmt.Fprintf(w, "All runs: %d jobs, %d completed, %d failed, avg exec %.2fs\n\n",
		h.Stats.Total, h.Stats.Completed, h.Stats.Failed, h.Stats.AvgExecTime)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tID\tSTATUS\tPRIO\tEXEC\tSUBMITTED\tSCRIPT")
	for _, r := range h.Recent {
		exec := "-"
		if r.ExecTime != nil {
			exec = fmt.Sprintf("%.2fs", *r.ExecTime)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\t%s\t%s\n",
			r.RunID[:min(8, len(r.RunID))], r.ID, r.Status, r.Priority, exec, r.SubmittedAt.Local().Format("01-02 15:04:05"), abbreviate(r.Script, 40))
	}
	return tw.Flush()
}

func listEvents(w io.Writer, limit int) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	evts, err := adminClient().Events(ctx, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tJOB\tWORKER\tPAYLOAD")
	for _, e := range evts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.At.Local().Format("15:04:05.000"), e.Type, optID(e.JobID), optID(e.WorkerID), deref(e.PayloadJSON))
	}
	return tw.Flush()
}

func requestShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := adminClient().Shutdown(ctx); err != nil {
		return err
	}
	fmt.Println("Shutdown requested.")
	return nil
}

func setConfig(key, value string) error {
	path := cfgFile
	if path == "" {
		var err error
		if path, err = config.DefaultCLIConfigPath(); err != nil {
			return err
		}
	}
	cfg, err := config.LoadCLIConfig(v)
	if err != nil {
		return err
	}
	switch key {
	case "server_addr":
		cfg.ServerAddr = value
	case "admin_url":
		cfg.AdminURL = value
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	if err := config.SaveCLIConfig(path, cfg); err != nil {
		return err
	}
	fmt.Printf("Saved %s to %s\n", key, path)
	return nil
}

func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	line, _ := bufio.NewReader(in).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func abbreviate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func optID(id *int64) string {
	if id == nil {
		return "-"
	}
	return fmt.Sprint(*id)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
