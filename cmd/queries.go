package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var showSource bool

var queriesCmd = &cobra.Command{
	Use:     "queries <file>...",
	Short:   "List the queries recovered from containers",
	Long:    `Recovers query definitions from each container and lists them with their dependencies and external file references.`,
	Example: `./pqx queries report.pbix workbook.xlsx --show-source`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runQueries,
}

func runQueries(cmd *cobra.Command, args []string) error {
	for _, path := range args {
		res, err := extractFile(cmd, path)
		if err != nil {
			return err
		}

		fmt.Printf("%s: %d queries\n", res.Container, len(res.Queries))
		for _, q := range res.Queries {
			fmt.Printf("  %s\n", q.Name)
			if len(q.Dependencies) > 0 {
				fmt.Printf("    depends on: %s\n", strings.Join(q.Dependencies, ", "))
			}
			if len(q.ExternalRefs) > 0 {
				fmt.Printf("    reads: %s\n", strings.Join(q.ExternalRefs, ", "))
			}
			if q.Source == "" {
				fmt.Println("    (name only, no source recovered)")
			} else if showSource {
				for _, line := range strings.Split(q.Source, "\n") {
					fmt.Printf("    | %s\n", line)
				}
			}
		}
	}
	return nil
}

func init() {
	queriesCmd.Flags().BoolVar(&showSource, "show-source", false, "Print the recovered source of each query")
}
