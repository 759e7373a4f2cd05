// sagaflow CLI — инструмент командной строки для управления workflow,
// экземплярами и tasks через HTTP API.
//
// Использование:
//
//	sagaflow [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	workflow  Управление workflow
//	instance  Управление экземплярами
//	task      Просмотр tasks и журнала
//	demo      Прогон workflow "invoice" в памяти
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/sagaflow/internal/cli"
	"github.com/shaiso/sagaflow/internal/config"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	defaultURL := "http://localhost:8080"
	if cfg, err := config.Load(); err == nil {
		defaultURL = cfg.APIURL
	}

	rootCmd := &cobra.Command{
		Use:           "sagaflow",
		Short:         "sagaflow CLI — saga workflow orchestration",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "API server URL (env API_URL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewWorkflowCmd(clientFn, outputFn),
		cli.NewInstanceCmd(clientFn, outputFn),
		cli.NewTaskCmd(clientFn, outputFn),
		cli.NewDemoCmd(outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
