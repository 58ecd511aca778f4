package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/google/nearby-sub006/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running agent's endpoint and scan status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	socketPath := control.ResolveSocketPath()
	status, err := control.FetchStatus(socketPath)
	if err != nil {
		return fmt.Errorf("fetching status from %s: %w", socketPath, err)
	}

	fmt.Println(styleHeader.Render(fmt.Sprintf(" %s ", status.LocalEndpointID)))
	fmt.Printf("%s %s\n", styleKey.Render("uptime:"), humanize.RelTime(time.Now().Add(-time.Duration(status.UptimeSeconds*float64(time.Second))), time.Now(), "", ""))
	fmt.Printf("%s %v\n\n", styleKey.Render("scanning:"), status.Scanning)

	if len(status.Endpoints) == 0 {
		fmt.Println("no endpoints")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENDPOINT\tSERVICE\tMEDIUM\tIN PROGRESS\tRETRY ARMED")
	for _, ep := range status.Endpoints {
		inProgress := "no"
		if ep.InProgress {
			inProgress = styleActive.Render("yes")
		}
		retryArmed := "no"
		if ep.RetryArmed {
			retryArmed = styleArmed.Render("yes")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ep.EndpointID, ep.ServiceID, ep.Medium, inProgress, retryArmed)
	}
	return tw.Flush()
}
