package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nadmax/pullload/internal/api"
	"github.com/nadmax/pullload/internal/procdir"
	"github.com/nadmax/pullload/internal/repository/models"
	"github.com/nadmax/pullload/internal/task"
	"github.com/nadmax/pullload/internal/userprop"
)

func listPath(base, orderBy string) string {
	if orderBy == "" {
		return base
	}
	return base + "?order_by=" + url.QueryEscape(orderBy)
}

func printResult(cmd *cobra.Command, w io.Writer, res procdir.Result) error {
	if getOutputFormat(cmd) == "json" {
		return printJSON(w, res)
	}
	return printTable(w, res.Names, res.Rows)
}

func newQueriesCmd(c *Client, w io.Writer) *cobra.Command {
	var orderBy string
	cmd := &cobra.Command{
		Use:   "queries [query-id]",
		Short: "List the registered executions, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				var detail procdir.QueryDetail
				if err := c.Do(cmd.Context(), http.MethodGet, "/api/current_queries/"+url.PathEscape(args[0]), nil, &detail); err != nil {
					return err
				}
				if getOutputFormat(cmd) == "json" {
					return printJSON(w, detail)
				}
				row := []string{
					detail.QueryID, detail.Database, detail.User,
					strconv.FormatInt(detail.ExecTimeMillis, 10),
					strconv.FormatBool(detail.Live),
					fmt.Sprintf("%d/%d", detail.DoneInstances, detail.Instances),
				}
				return printTable(w, slices.Concat(procdir.CurrentQueryTitles, []string{"Live", "Instances"}), [][]string{row})
			}

			var res procdir.Result
			if err := c.Do(cmd.Context(), http.MethodGet, listPath("/api/current_queries", orderBy), nil, &res); err != nil {
				return err
			}
			return printResult(cmd, w, res)
		},
	}
	cmd.Flags().StringVar(&orderBy, "order-by", "", "Column to sort by")
	return cmd
}

func newLoadsCmd(c *Client, w io.Writer) *cobra.Command {
	var orderBy string
	cmd := &cobra.Command{
		Use:   "loads <database> [job-id]",
		Short: "List the load jobs of a database, or the attempts of one job",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := "/api/dbs/" + url.PathEscape(args[0]) + "/loads"
			if len(args) == 1 {
				var res procdir.Result
				if err := c.Do(cmd.Context(), http.MethodGet, listPath(base, orderBy), nil, &res); err != nil {
					return err
				}
				return printResult(cmd, w, res)
			}

			var attempts []models.Attempt
			if err := c.Do(cmd.Context(), http.MethodGet, base+"/"+url.PathEscape(args[1]), nil, &attempts); err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(w, attempts)
			}
			rows := make([][]string, 0, len(attempts))
			for _, a := range attempts {
				rows = append(rows, []string{
					strconv.Itoa(a.TaskID), a.ExecutionID, a.State,
					orNA(a.StatusCode), orNA(a.ErrorMsg), a.StartedAt.Format("2006-01-02 15:04:05"),
				})
			}
			return printTable(w, []string{"TaskId", "ExecutionId", "State", "Status", "ErrorMsg", "StartTime"}, rows)
		},
	}
	cmd.Flags().StringVar(&orderBy, "order-by", "", "Column to sort by")
	return cmd
}

func newSubmitCmd(c *Client, w io.Writer) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a load task spec read from a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var spec task.Spec
			if err := json.Unmarshal(data, &spec); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}

			var resp api.SubmitResponse
			if err := c.Do(cmd.Context(), http.MethodPost, "/api/loads", &spec, &resp); err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(w, resp)
			}
			_, err = fmt.Fprintf(w, "submitted %s\n", resp.Key)
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to the spec JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newCancelCmd(c *Client, w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id> <task-id>",
		Short: "Cancel an active load task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/loads/%s/tasks/%s/cancel", url.PathEscape(args[0]), url.PathEscape(args[1]))
			if err := c.Do(cmd.Context(), http.MethodPost, path, nil, nil); err != nil {
				return err
			}
			_, err := fmt.Fprintf(w, "cancel requested for %s-%s\n", args[0], args[1])
			return err
		},
	}
}

func newPropsCmd(c *Client, w io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "props",
		Short: "Read or write user properties",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <user>",
		Short: "Show the properties of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var info userprop.Info
			if err := c.Do(cmd.Context(), http.MethodGet, "/api/users/"+url.PathEscape(args[0])+"/properties", nil, &info); err != nil {
				return err
			}
			return printProps(cmd, w, info)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <user> <key=value>...",
		Short: "Replace the properties of a user",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			props := make([]userprop.Pair, 0, len(args)-1)
			for _, kv := range args[1:] {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("invalid property %q: want key=value", kv)
				}
				props = append(props, userprop.Pair{Key: k, Value: v})
			}

			var info userprop.Info
			if err := c.Do(cmd.Context(), http.MethodPut, "/api/users/"+url.PathEscape(args[0])+"/properties", props, &info); err != nil {
				return err
			}
			return printProps(cmd, w, info)
		},
	})
	return cmd
}

func printProps(cmd *cobra.Command, w io.Writer, info userprop.Info) error {
	if getOutputFormat(cmd) == "json" {
		return printJSON(w, info)
	}
	rows := make([][]string, 0, len(info.Properties))
	for _, p := range info.Properties {
		rows = append(rows, []string{p.Key, p.Value})
	}
	return printTable(w, []string{"Key", "Value"}, rows)
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
