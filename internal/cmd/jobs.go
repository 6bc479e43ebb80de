package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/kryahq/kryad/internal/errors"
	"github.com/kryahq/kryad/pkg/joblog"
	"github.com/kryahq/kryad/pkg/jobs"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and control jobs on a running daemon",
	Long: `Query and control jobs on a running kryad daemon.

Example:
  kryad jobs list
  kryad jobs status <job_id>
  kryad jobs stop <job_id>
  kryad jobs logs <job_id> --follow`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <job_id>",
	Short: "Request cancellation of a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStop,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs [job_id_or_pattern]",
	Short: "Stream job logs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobsLogs,
}

var daemonAddr string

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsStopCmd)
	jobsCmd.AddCommand(jobsLogsCmd)

	jobsCmd.PersistentFlags().StringVar(&daemonAddr, "addr", "http://localhost:8080", "Daemon base URL")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().Bool("archived", false, "List archived jobs instead of live ones")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsLogsCmd.Flags().Bool("follow", false, "Keep streaming live events")
}

func daemonClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func daemonURL(path string) string {
	return strings.TrimRight(daemonAddr, "/") + path
}

func decodeDaemonError(resp *http.Response) error {
	var body apperrors.HTTPErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error.Code == "" {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return fmt.Errorf("%s: %s", body.Error.Code, body.Error.Message)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	archived, _ := cmd.Flags().GetBool("archived")

	path := "/jobs"
	if archived {
		path = "/jobs/archived"
	}
	resp, err := daemonClient().Get(daemonURL(path))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decodeDaemonError(resp)
	}

	var body struct {
		Jobs []jobs.Snapshot `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}

	if len(body.Jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(body.Jobs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tSTATE\tATTEMPTS\tCREATED\tENDED\tPROMPT")
	for _, j := range body.Jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			shortJobID(j.ID),
			j.State,
			j.AttemptCount,
			j.MaxRetries+1,
			j.CreatedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(j.EndedAt),
			truncatePrompt(j.Prompt),
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	jobID := strings.TrimSpace(args[0])
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}

	resp, err := daemonClient().Get(daemonURL("/jobs/" + jobID))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decodeDaemonError(resp)
	}

	var snap jobs.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", snap.ID)
	_, _ = fmt.Fprintf(os.Stdout, "state=%s\n", snap.State)
	_, _ = fmt.Fprintf(os.Stdout, "attempt_count=%d\n", snap.AttemptCount)
	_, _ = fmt.Fprintf(os.Stdout, "max_retries=%d\n", snap.MaxRetries)
	_, _ = fmt.Fprintf(os.Stdout, "prompt=%s\n", snap.Prompt)
	if snap.LastError != "" {
		_, _ = fmt.Fprintf(os.Stdout, "last_error=%s\n", snap.LastError)
	}
	_, _ = fmt.Fprintf(os.Stdout, "created_at=%s\n", snap.CreatedAt.UTC().Format(time.RFC3339))
	if snap.EndedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "ended_at=%s\n", snap.EndedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func runJobsStop(cmd *cobra.Command, args []string) error {
	jobID := strings.TrimSpace(args[0])
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}

	payload, _ := json.Marshal(map[string]string{"job_id": jobID})
	resp, err := daemonClient().Post(daemonURL("/stop"), "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decodeDaemonError(resp)
	}

	_, _ = fmt.Fprintf(os.Stdout, "cancellation requested for %s\n", jobID)
	return nil
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	follow, _ := cmd.Flags().GetBool("follow")

	url := daemonURL("/logs")
	if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
		url += "?job=" + strings.TrimSpace(args[0])
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	// No client timeout: the stream stays open until cancelled.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decodeDaemonError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	sawReplay := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev joblog.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		printEvent(ev)
		sawReplay = true
		if !follow && terminalEvent(ev) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil && follow {
		return err
	}
	if !sawReplay {
		_, _ = fmt.Fprintln(os.Stdout, "no log events")
	}
	return nil
}

// terminalEvent reports whether an event is a job's final marker, used by
// non-follow mode to end the stream.
func terminalEvent(ev joblog.Event) bool {
	switch {
	case strings.HasPrefix(ev.Message, jobs.MarkerSuccess):
		return true
	case ev.Message == jobs.MarkerCancelled:
		return true
	case strings.HasSuffix(ev.Message, jobs.MarkerExhausted):
		return true
	}
	return false
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func truncatePrompt(prompt string) string {
	prompt = strings.Join(strings.Fields(prompt), " ")
	if len(prompt) <= 48 {
		return prompt
	}
	return prompt[:45] + "..."
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
