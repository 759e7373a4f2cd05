package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaiso/sagaflow/internal/engine"
)

var workflowHeaders = []string{"ID", "NAME", "STEPS", "CREATED"}

func workflowRow(wf WorkflowResponse) []string {
	return []string{wf.ID, wf.Name, strings.Join(wf.Definition.Steps, " -> "), wf.CreatedAt}
}

// NewWorkflowCmd создаёт группу команд для управления workflow.
func NewWorkflowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Manage workflows",
	}

	cmd.AddCommand(
		newWorkflowListCmd(clientFn, outputFn),
		newWorkflowCreateCmd(clientFn, outputFn),
		newWorkflowShowCmd(clientFn, outputFn),
		newWorkflowStartCmd(clientFn, outputFn),
	)

	return cmd
}

func newWorkflowListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			workflows, err := client.ListWorkflows()
			if err != nil {
				return err
			}

			rows := make([][]string, len(workflows))
			for i, wf := range workflows {
				rows[i] = workflowRow(wf)
			}

			out.Print(workflowHeaders, rows, workflows)
			return nil
		},
	}
}

func newWorkflowCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var name string
	var steps []string
	var file string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow from --name/--step or a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			defs, err := workflowDefs(name, steps, file)
			if err != nil {
				return err
			}

			created := make([]WorkflowResponse, 0, len(defs))
			for _, def := range defs {
				wf, err := client.CreateWorkflow(def.Name, def.Steps)
				if err != nil {
					return fmt.Errorf("create %s: %w", def.Name, err)
				}
				out.Success(fmt.Sprintf("Workflow created: %s", wf.ID))
				created = append(created, *wf)
			}

			rows := make([][]string, len(created))
			for i, wf := range created {
				rows[i] = workflowRow(wf)
			}
			out.Print(workflowHeaders, rows, created)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Workflow name")
	cmd.Flags().StringSliceVar(&steps, "step", nil, "Step type in execution order (repeatable)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with workflow definitions")
	cmd.MarkFlagsMutuallyExclusive("file", "name")
	cmd.MarkFlagsMutuallyExclusive("file", "step")

	return cmd
}

// workflowDefs собирает определения из флагов или YAML файла.
func workflowDefs(name string, steps []string, file string) ([]engine.WorkflowDef, error) {
	if file != "" {
		defs, err := engine.LoadFile(file)
		if err != nil {
			return nil, err
		}
		if len(defs) == 0 {
			return nil, fmt.Errorf("no workflows in %s", file)
		}
		return defs, nil
	}

	if name == "" || len(steps) == 0 {
		return nil, fmt.Errorf("either --file or both --name and --step are required")
	}
	return []engine.WorkflowDef{{Name: name, Steps: steps}}, nil
}

func newWorkflowShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show workflow details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			wf, err := client.GetWorkflow(args[0])
			if err != nil {
				return err
			}

			out.Print(workflowHeaders, [][]string{workflowRow(*wf)}, wf)
			return nil
		},
	}
}

func newWorkflowStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var inputs []string
	var payloadJSON string

	cmd := &cobra.Command{
		Use:   "start WORKFLOW_ID",
		Short: "Start a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			payload, err := parsePayload(payloadJSON, inputs)
			if err != nil {
				return err
			}

			inst, err := client.StartWorkflow(args[0], payload)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Instance started: %s", inst.ID))
			out.Print(instanceHeaders, [][]string{instanceRow(*inst)}, inst)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&inputs, "input", nil, "Payload value as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "Payload as a JSON object")

	return cmd
}
