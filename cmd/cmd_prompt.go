// cmd_prompt.go - Rendert Trainingsdatensaetze (JSON Lines) als Prompts
package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sphinx-mllm/sphinx/template"
)

// PromptHandler - Liest je Zeile ein JSON-Objekt und gibt den Prompt aus
func PromptHandler(cmd *cobra.Command, args []string) error {
	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}

		var fields map[string]string
		if err := json.Unmarshal(scanner.Bytes(), &fields); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}

		prompt, err := template.FormatPrompt(fields, args[0])
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), quoteLine(prompt))
	}
	return scanner.Err()
}

// quoteLine haelt mehrzeilige Prompts auf einer Ausgabezeile
func quoteLine(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func newPromptCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "prompt FORMAT",
		Short:     "Render JSON Lines records from stdin as training prompts",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"alpaca", "shortqa", "qg", "caption", "nowllm", "dpo", "kto", "None"},
		RunE:      PromptHandler,
	}
}
