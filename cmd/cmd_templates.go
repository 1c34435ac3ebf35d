// cmd_templates.go - Listet die Konversations-Templates
package cmd

import (
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sphinx-mllm/sphinx/template"
)

// ListTemplatesHandler - Gibt alle Templates mit Rollen und Separator aus
func ListTemplatesHandler(cmd *cobra.Command, _ []string) error {
	var data [][]string
	for _, name := range template.Names() {
		conv, err := template.Named(name)
		if err != nil {
			return err
		}

		user, assistant := conv.Roles()
		data = append(data, []string{name, user, assistant, strconv.Quote(conv.Separator())})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"NAME", "USER", "ASSISTANT", "SEPARATOR"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}

func newTemplatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List conversation templates",
		Args:  cobra.ExactArgs(0),
		RunE:  ListTemplatesHandler,
	}
}
