package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
)

const consoleHelp = `Commands:
  stats      queue and worker counts
  list       pending and running jobs, then workers
  jobs       pending and running jobs
  workers    workers
  history    recent persisted jobs
  events     recent audit events
  shutdown   stop the controller (asks first)
  clear      redraw the dashboard
  help       this text
  quit       leave the console`

// runConsole is a line-driven operator dashboard over the admin API. With
// a non-zero refresh the dashboard is redrawn between commands.
func runConsole(in io.Reader, out io.Writer, refresh time.Duration) error {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	var tick <-chan time.Time
	if refresh > 0 {
		t := time.NewTicker(refresh)
		defer t.Stop()
		tick = t.C
	}

	dashboard(out)
	for {
		select {
		case <-tick:
			dashboard(out)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := consoleCommand(strings.TrimSpace(line), lines, out)
			if err != nil {
				fmt.Fprintln(out, "error:", err)
			}
			if quit {
				return nil
			}
			fmt.Fprint(out, "> ")
		}
	}
}

func dashboard(out io.Writer) {
	fmt.Fprint(out, "\033[2J\033[H")
	fmt.Fprintln(out, "=== gridq controller ===")
	fmt.Fprintln(out)
	if err := showStats(out); err != nil {
		fmt.Fprintln(out, "stats unavailable:", err)
	}
	fmt.Fprintln(out)
	if err := listWorkers(out); err != nil {
		fmt.Fprintln(out, "workers unavailable:", err)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands: stats, list, jobs, workers, history, events, shutdown, clear, help, quit")
	fmt.Fprint(out, "> ")
}

func consoleCommand(cmd string, lines <-chan string, out io.Writer) (quit bool, err error) {
	switch cmd {
	case "":
		return false, nil
	case "stats":
		return false, showStats(out)
	case "list":
		if err := listJobs(out); err != nil {
			return false, err
		}
		fmt.Fprintln(out)
		return false, listWorkers(out)
	case "jobs":
		return false, listJobs(out)
	case "workers":
		return false, listWorkers(out)
	case "history":
		return false, showHistory(out, 20)
	case "events":
		return false, listEvents(out, 20)
	case "shutdown":
		fmt.Fprint(out, "Shut down the controller? [y/N]: ")
		answer := strings.ToLower(strings.TrimSpace(<-lines))
		if answer != "y" && answer != "yes" {
			fmt.Fprintln(out, "aborted")
			return false, nil
		}
		return true, requestShutdown()
	case "clear":
		dashboard(out)
		return false, nil
	case "help":
		fmt.Fprintln(out, consoleHelp)
		return false, nil
	case "quit", "exit":
		return true, nil
	default:
		fmt.Fprintf(out, "unknown command %q, try help\n", cmd)
		return false, nil
	}
}
