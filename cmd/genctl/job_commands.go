package main

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var images []string

	cmd := &cobra.Command{
		Use:   "enqueue <prompt>",
		Short: "Submit a generation job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs := make([]jobInput, 0, len(images))
			for _, image := range images {
				in, err := loadInput(image)
				if err != nil {
					return err
				}
				inputs = append(inputs, in)
			}

			out, err := ctx.client().Enqueue(cmd.Context(), strings.Join(args, " "), inputs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s (%s)\n", out.JobID, out.Status)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&images, "image", "i", nil, "Reference image path or http(s) URL (repeatable, at most 2)")
	return cmd
}

// loadInput turns a flag value into a request input. URLs pass through and
// local files are inlined as base64.
func loadInput(ref string) (jobInput, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return jobInput{URL: ref}, nil
	}

	data, err := os.ReadFile(ref)
	if err != nil {
		return jobInput{}, fmt.Errorf("read image: %w", err)
	}
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(ref)))
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return jobInput{}, fmt.Errorf("%s does not look like an image (%s)", ref, mimeType)
	}
	return jobInput{Data: base64.StdEncoding.EncodeToString(data), MIMEType: mimeType}, nil
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := ctx.client().List(cmd.Context(), status)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Status", "Progress", "Prompt", "Created", "Detail"},
				buildJobRows(jobs),
				2,
			))
			return nil
		},
	}

	cmd.Flags().StringVarP(&status, "status", "s", "", "Only show jobs with this status")
	return cmd
}

func buildJobRows(jobs []job) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.ID,
			j.Status,
			strconv.Itoa(j.Progress) + "%",
			truncate(j.Prompt, 40),
			j.CreatedAt.Local().Format(time.DateTime),
			truncate(jobDetail(j), 60),
		})
	}
	return rows
}

func jobDetail(j job) string {
	switch {
	case j.Error != "":
		return j.Error
	case j.Result != nil:
		return j.Result.ImageURL
	default:
		return ""
	}
}

func newGetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a single job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := ctx.client().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			rows := [][]string{
				{"ID", j.ID},
				{"Status", j.Status},
				{"Progress", strconv.Itoa(j.Progress) + "%"},
				{"Prompt", j.Prompt},
				{"Created", j.CreatedAt.Local().Format(time.DateTime)},
				{"Updated", j.UpdatedAt.Local().Format(time.DateTime)},
			}
			if j.Result != nil {
				rows = append(rows, []string{"Image", truncate(j.Result.ImageURL, 100)}, []string{"Model", j.Result.Model})
				if j.Result.Text != "" {
					rows = append(rows, []string{"Text", j.Result.Text})
				}
			}
			if j.Error != "" {
				rows = append(rows, []string{"Error", j.Error})
			}
			if j.ErrorReason != "" {
				rows = append(rows, []string{"Reason", j.ErrorReason})
			}
			for i, u := range j.ThumbnailURLs {
				rows = append(rows, []string{"Thumbnail " + strconv.Itoa(i), u})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows))
			return nil
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-run a failed job in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := ctx.client().Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Retrying %s\n", out.JobID)
			return nil
		},
	}
}

func newRunAgainCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run-again <job-id>",
		Short: "Queue a new job with the same prompt and inputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := ctx.client().RunAgain(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s from %s\n", out.JobID, args[0])
			return nil
		},
	}
}

func newRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <job-id>...",
		Aliases: []string{"remove"},
		Short:   "Remove finished jobs",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := ctx.client()
			for _, id := range args {
				if err := client.Remove(cmd.Context(), id); err != nil {
					return fmt.Errorf("remove %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", id)
			}
			return nil
		},
	}
}

func newClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:       "clear <completed|failed>",
		Short:     "Remove every completed or failed job",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"completed", "failed"},
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := ctx.client().Clear(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d %s jobs\n", n, args[0])
			return nil
		},
	}
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := ctx.client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			rows := [][]string{
				{"Pending", strconv.Itoa(s.Pending)},
				{"Uploading", strconv.Itoa(s.Uploading)},
				{"Processing", strconv.Itoa(s.Processing)},
				{"Completed", strconv.Itoa(s.Completed)},
				{"Failed", strconv.Itoa(s.Failed)},
				{"Total", strconv.Itoa(s.Total)},
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Status", "Count"}, rows, 1))
			return nil
		},
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
