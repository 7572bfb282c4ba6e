package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cwbudde/siftcl/internal/server"
	"github.com/spf13/cobra"
)

var serverURL string

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or specific job",
	Long: `Queries the server for job status information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: 10 * time.Second}
		if len(args) == 0 {
			return listJobs(client, serverURL, cmd.OutOrStdout())
		}
		return showJob(client, serverURL, args[0], cmd.OutOrStdout())
	},
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

// jobStatus mirrors the server's job status response.
type jobStatus struct {
	server.Job
	Elapsed float64 `json:"elapsed"`
}

func getJSON(client *http.Client, u string, v any) error {
	resp, err := client.Get(u)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func listJobs(client *http.Client, base string, out io.Writer) error {
	var jobs []jobStatus
	if err := getJSON(client, strings.TrimSuffix(base, "/")+"/api/v1/jobs", &jobs); err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tSTAGE\tIMAGE\tKEYPOINTS\tELAPSED")
	fmt.Fprintln(w, "--\t-----\t-----\t-----\t---------\t-------")
	for _, job := range jobs {
		stage := job.Stage
		if stage == "" {
			stage = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			shortID(job.ID), job.State, stage, job.Config.ImagePath, job.Keypoints,
			time.Duration(job.Elapsed*float64(time.Second)).Round(time.Millisecond),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nTotal jobs: %d\n", len(jobs))
	return nil
}

func showJob(client *http.Client, base, id string, out io.Writer) error {
	var job jobStatus
	u := strings.TrimSuffix(base, "/") + "/api/v1/jobs/" + url.PathEscape(id)
	if err := getJSON(client, u, &job); err != nil {
		return err
	}

	fmt.Fprintf(out, "Job: %s\n", job.ID)
	fmt.Fprintf(out, "State: %s\n", job.State)
	if job.Stage != "" && !job.State.Done() {
		fmt.Fprintf(out, "Stage: %s\n", job.Stage)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  Image: %s\n", job.Config.ImagePath)
	if job.Config.Mode != "" {
		fmt.Fprintf(out, "  Mode: %s\n", job.Config.Mode)
	}
	if job.Config.MaxDim > 0 {
		fmt.Fprintf(out, "  Max dimension: %d\n", job.Config.MaxDim)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Result:")
	if job.Width > 0 {
		fmt.Fprintf(out, "  Size: %dx%d\n", job.Width, job.Height)
	}
	if job.Device != "" {
		fmt.Fprintf(out, "  Device: %s (descriptors: %s)\n", job.Device, job.DescriptorBackend)
	}
	fmt.Fprintf(out, "  Keypoints: %d\n", job.Keypoints)
	if len(job.OctaveCounts) > 0 {
		fmt.Fprintf(out, "  Per octave: %v\n", job.OctaveCounts)
	}
	fmt.Fprintf(out, "  Elapsed: %s\n", time.Duration(job.Elapsed*float64(time.Second)).Round(time.Millisecond))
	if job.Saved {
		fmt.Fprintln(out, "  Saved: yes")
	}

	if job.Error != "" {
		fmt.Fprintf(out, "\nError: %s\n", job.Error)
	}
	return nil
}
