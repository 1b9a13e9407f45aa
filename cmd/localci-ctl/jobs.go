package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/k11v/localci/internal/adminhttp"
)

type clientFunc func() (*adminhttp.Client, error)

func queuedCmd(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "queued",
		Short: "List queued jobs in dequeue order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			jobs, err := c.QueuedJobs(cmd.Context())
			if err != nil {
				return err
			}
			printJobs(cmd.OutOrStdout(), jobs, time.Now())
			return nil
		},
	}
}

func runningCmd(client clientFunc) *cobra.Command {
	var courseID int64

	cmd := &cobra.Command{
		Use:   "running",
		Short: "List jobs being processed by agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var filter *int64
			if cmd.Flags().Changed("course") {
				filter = &courseID
			}
			jobs, err := c.RunningJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			printJobs(cmd.OutOrStdout(), jobs, time.Now())
			return nil
		},
	}
	cmd.Flags().Int64Var(&courseID, "course", 0, "only jobs of this course")
	return cmd
}

func agentsCmd(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered build agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			agents, err := c.Agents(cmd.Context())
			if err != nil {
				return err
			}
			printAgents(cmd.OutOrStdout(), agents, time.Now())
			return nil
		},
	}
}

func resultCmd(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "result JOB_ID",
		Short: "Show the result of a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}
			c, err := client()
			if err != nil {
				return err
			}
			result, err := c.Result(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), result)
			return nil
		},
	}
}

func logCmd(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "log JOB_ID",
		Short: "Print the full build log of a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}
			c, err := client()
			if err != nil {
				return err
			}
			return c.Log(cmd.Context(), jobID, cmd.OutOrStdout())
		},
	}
}

func printJobs(w io.Writer, jobs []*adminhttp.JobResponse, now time.Time) {
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(w, "No jobs.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tREPOSITORY\tCOURSE\tPRIORITY\tRETRIES\tAGENT\tWAITING")
	for _, j := range jobs {
		agent := j.AgentName
		if agent == "" {
			agent = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s/%s\t%d\t%s\t%d\t%s\t%s\n",
			j.ID, j.ProjectKey, j.RepositorySlug, j.CourseID, priorityString(j.Priority), j.RetryCount, agent,
			now.Sub(j.EnqueuedAt).Round(time.Second))
	}
	_ = tw.Flush()
}

func priorityString(p int) string {
	switch p {
	case 1:
		return color.New(color.FgRed).Sprint("high")
	case 2:
		return "normal"
	case 3:
		return color.New(color.FgHiBlack).Sprint("low")
	default:
		return fmt.Sprint(p)
	}
}

func printAgents(w io.Writer, agents []*adminhttp.AgentResponse, now time.Time) {
	if len(agents) == 0 {
		_, _ = fmt.Fprintln(w, "No agents.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tADDRESS\tUSED\tLAST HEARTBEAT")
	for _, a := range agents {
		used := fmt.Sprintf("%d/%d", a.UsedCapacity, a.TotalCapacity)
		if a.UsedCapacity >= a.TotalCapacity {
			used = color.New(color.FgYellow).Sprint(used)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s ago\n", a.Name, a.Address, used, now.Sub(a.LastHeartbeat).Round(time.Second))
	}
	_ = tw.Flush()
}

func printResult(w io.Writer, r *adminhttp.ResultResponse) {
	status := color.New(color.FgGreen).Sprint("SUCCESS")
	if !r.Success {
		status = color.New(color.FgRed).Sprint("FAILED")
	}
	_, _ = fmt.Fprintf(w, "Job:      %s\n", r.JobID)
	_, _ = fmt.Fprintf(w, "Status:   %s\n", status)
	_, _ = fmt.Fprintf(w, "Commit:   %s\n", r.CommitHash)
	_, _ = fmt.Fprintf(w, "Tests:    %d passed, %d failed\n", r.Passed, r.Failed)
	_, _ = fmt.Fprintf(w, "Duration: %s\n", time.Duration(r.DurationMS)*time.Millisecond)
	if r.ParseError {
		_, _ = fmt.Fprintf(w, "Report:   %s\n", color.New(color.FgYellow).Sprint("unparsable test report"))
	}
	if r.Diagnostic != "" {
		_, _ = fmt.Fprintf(w, "\n%s\n", r.Diagnostic)
	}
	for _, tc := range r.Tests {
		mark := color.New(color.FgGreen).Sprint("✓")
		if !tc.Passed {
			mark = color.New(color.FgRed).Sprint("✗")
		}
		_, _ = fmt.Fprintf(w, "  %s %s\n", mark, tc.Name)
		if !tc.Passed && tc.Message != "" {
			_, _ = fmt.Fprintf(w, "      %s\n", tc.Message)
		}
	}
}
