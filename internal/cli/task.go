package cli

import (
	"github.com/spf13/cobra"
)

// NewTaskCmd создаёт группу команд для просмотра tasks.
func NewTaskCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect tasks",
	}

	cmd.AddCommand(
		newTaskShowCmd(clientFn, outputFn),
		newTaskLogsCmd(clientFn, outputFn),
	)

	return cmd
}

func newTaskShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show task details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := clientFn().GetTask(args[0])
			if err != nil {
				return err
			}

			outputFn().Print(taskHeaders, [][]string{taskRow(*task)}, task)
			return nil
		},
	}
}

func newTaskLogsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "logs ID",
		Short: "Show task log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := clientFn().ListTaskLogs(args[0])
			if err != nil {
				return err
			}

			rows := make([][]string, len(logs))
			for i, l := range logs {
				rows[i] = []string{l.CreatedAt, l.Level, l.Message}
			}

			outputFn().Print([]string{"TIME", "LEVEL", "MESSAGE"}, rows, logs)
			return nil
		},
	}
}
