package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blegov/internal/governor"
	"github.com/srg/blegov/internal/manager"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Govern adapters and print discovery events",
	Long: `Starts the governance engine: every discovered adapter is powered and kept
discovering, and adapters and devices appearing in or vanishing from discovery
are printed as they happen. A summary of all governors is printed on exit.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runDuration time.Duration
	runFormat   string
)

func init() {
	runCmd.Flags().DurationVarP(&runDuration, "duration", "d", 0, "Run duration (0 for indefinite)")
	runCmd.Flags().StringVarP(&runFormat, "format", "f", "table", "Summary format (table, json)")
}

func runRun(cmd *cobra.Command, _ []string) error {
	if runFormat != "table" && runFormat != "json" {
		return fmt.Errorf("invalid format: %s (must be table or json)", runFormat)
	}
	cmd.SilenceUsage = true

	ctx, stop := interruptible(cmd.Context(), runDuration)
	defer stop()

	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	events, unsubscribe := s.manager.SubscribeDiscovery()
	defer unsubscribe()

	out := cmd.OutOrStdout()
	for _, a := range s.manager.DiscoveredAdapters() {
		printEvent(out, manager.Event{Type: manager.AdapterDiscovered, Adapter: a})
	}
	for _, d := range s.manager.DiscoveredDevices() {
		printEvent(out, manager.Event{Type: manager.DeviceDiscovered, Device: d})
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case e, ok := <-events:
			if !ok {
				break loop
			}
			printEvent(out, e)
		}
	}

	return printGovernors(out, s.manager.Governors(), runFormat)
}

// interruptible ends on Ctrl+C, SIGTERM or after d when d is positive.
func interruptible(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	if d <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	return ctx, func() {
		cancel()
		stop()
	}
}

var (
	appeared = color.New(color.FgGreen).SprintFunc()
	vanished = color.New(color.FgRed).SprintFunc()
	dim      = color.New(color.Faint).SprintFunc()
)

func printEvent(w io.Writer, e manager.Event) {
	mark := appeared("+")
	if e.Type == manager.AdapterLost || e.Type == manager.DeviceLost {
		mark = vanished("-")
	}
	switch e.Type {
	case manager.AdapterDiscovered, manager.AdapterLost:
		fmt.Fprintf(w, "[%s] adapter %s %s\n", mark, e.Adapter.URL, dim(e.Adapter.Name))
	default:
		fmt.Fprintf(w, "[%s] device  %s %s %s\n", mark, e.Device.URL, e.Device.DisplayName(),
			dim(fmt.Sprintf("rssi=%d", e.Device.RSSI)))
	}
}

type governorSummary struct {
	URL       string `json:"url"`
	Kind      string `json:"kind"`
	State     string `json:"state"`
	LastError string `json:"last_error,omitempty"`
}

func summarize(governors []governor.Governor) []governorSummary {
	out := make([]governorSummary, 0, len(governors))
	for _, g := range governors {
		s := governorSummary{URL: g.URL().String(), Kind: string(g.Kind()), State: g.State().String()}
		if err := g.LastError(); err != nil {
			s.LastError = err.Error()
		}
		out = append(out, s)
	}
	return out
}

func printGovernors(w io.Writer, governors []governor.Governor, format string) error {
	summaries := summarize(governors)
	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(summaries)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "URL\tKIND\tSTATE\tLAST ERROR")
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.URL, s.Kind, s.State, s.LastError)
	}
	return tw.Flush()
}
