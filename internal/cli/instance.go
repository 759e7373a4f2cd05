package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var instanceHeaders = []string{"ID", "WORKFLOW_ID", "STATUS", "CREATED", "UPDATED"}

func instanceRow(inst InstanceResponse) []string {
	return []string{inst.ID, inst.WorkflowID, inst.Status, inst.CreatedAt, inst.UpdatedAt}
}

var taskHeaders = []string{"ID", "TYPE", "STATUS", "ATTEMPT", "COMP_ATTEMPT", "ERROR"}

func taskRow(t TaskResponse) []string {
	return []string{
		t.ID,
		t.Type,
		t.Status,
		fmt.Sprintf("%d/%d", t.Attempt, t.MaxAttempts),
		strconv.Itoa(t.CompensationAttempt),
		truncate(t.LastError, 60),
	}
}

func taskRows(tasks []TaskResponse) [][]string {
	rows := make([][]string, len(tasks))
	for i, t := range tasks {
		rows[i] = taskRow(t)
	}
	return rows
}

// printInstance выводит экземпляр и, в табличном режиме, его tasks.
func printInstance(out *Output, inst *InstanceResponse) {
	if out.jsonMode {
		out.JSON(inst)
		return
	}
	out.Table(instanceHeaders, [][]string{instanceRow(*inst)})
	if len(inst.Tasks) > 0 {
		out.Text("")
		out.Table(taskHeaders, taskRows(inst.Tasks))
	}
}

// NewInstanceCmd создаёт группу команд для управления экземплярами.
func NewInstanceCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instance",
		Aliases: []string{"inst"},
		Short:   "Manage workflow instances",
	}

	cmd.AddCommand(
		newInstanceListCmd(clientFn, outputFn),
		newInstanceShowCmd(clientFn, outputFn),
		newInstanceCancelCmd(clientFn, outputFn),
		newInstanceCompensateCmd(clientFn, outputFn),
	)

	return cmd
}

func newInstanceListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var workflowID string
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances (RUNNING by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			instances, err := client.ListInstances(ListInstancesOpts{
				WorkflowID: workflowID,
				Status:     status,
				Limit:      limit,
			})
			if err != nil {
				return err
			}

			rows := make([][]string, len(instances))
			for i, inst := range instances {
				rows[i] = instanceRow(inst)
			}

			out.Print(instanceHeaders, rows, instances)
			return nil
		},
	}

	cmd.Flags().StringVar(&workflowID, "workflow-id", "", "Filter by workflow ID")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (RUNNING, SUCCEEDED, FAILED, CANCELLED, COMPENSATED, DEAD_LETTER)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newInstanceShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show instance with its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := clientFn().GetInstance(args[0])
			if err != nil {
				return err
			}

			printInstance(outputFn(), inst)
			return nil
		},
	}
}

func newInstanceCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			resp, err := client.CancelInstance(args[0])
			if err != nil {
				return err
			}

			if resp.Cancelled {
				out.Success("Instance cancelled, completed steps will be compensated")
			} else {
				out.Success(fmt.Sprintf("Instance not cancelled: status is %s", resp.Instance.Status))
			}
			out.Print(instanceHeaders, [][]string{instanceRow(resp.Instance)}, resp)
			return nil
		},
	}
}

func newInstanceCompensateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "compensate ID",
		Short: "Compensate a failed or cancelled instance now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			inst, err := client.CompensateInstance(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Compensation finished: %s", inst.Status))
			printInstance(out, inst)
			return nil
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
