// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, ExitCode, appendEnvDocs, versionHandler
package cmd

import (
	"errors"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/sphinx-mllm/sphinx/envconfig"
	"github.com/sphinx-mllm/sphinx/version"
)

// ExitCode - Bildet einen Fehler auf den Exit-Code des Prozesses ab
func ExitCode(err error) int {
	var exit interface{ ExitCode() int }
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exit) && exit.ExitCode() > 0:
		return exit.ExitCode()
	default:
		return 1
	}
}

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-26s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func versionHandler(cmd *cobra.Command, _ []string) {
	cmd.Printf("sphinx version is %s\n", version.Version)
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "sphinx",
		Short:         "Multimodal chat demo over sharded model workers",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	demoCmd := newDemoCmd()
	chatCmd := newChatCmd()
	templatesCmd := newTemplatesCmd()
	runnerCmd := newRunnerCmd()
	metricsCmd := newMetricsCmd()
	promptCmd := newPromptCmd()

	envVars := envconfig.AsMap()
	appendEnvDocs(demoCmd, []envconfig.EnvVar{
		envVars["SPHINX_DEBUG"],
		envVars["SPHINX_HOST"],
		envVars["SPHINX_ORIGINS"],
		envVars["SPHINX_UPLOADS"],
		envVars["SPHINX_LOAD_TIMEOUT"],
		envVars["SPHINX_RESPONSE_TIMEOUT"],
		envVars["SPHINX_HEARTBEAT_INTERVAL"],
		envVars["SPHINX_HEARTBEAT_TIMEOUT"],
		envVars["SPHINX_GROUP_TIMEOUT"],
		envVars["SPHINX_VALIDATE_SHARDS"],
		envVars["SPHINX_BACKEND"],
		envVars["SPHINX_OLLAMA_HOST"],
	})
	appendEnvDocs(chatCmd, []envconfig.EnvVar{envVars["SPHINX_HOST"]})

	rootCmd.AddCommand(
		demoCmd,
		chatCmd,
		templatesCmd,
		metricsCmd,
		promptCmd,
		runnerCmd,
	)

	return rootCmd
}
