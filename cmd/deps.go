package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lczanna/power-query-explorer/internal/mquery"
)

var evalOrder bool

var depsCmd = &cobra.Command{
	Use:     "deps <file>...",
	Short:   "Show the query dependency graph of containers",
	Long:    `Builds the dependency graph over all recovered queries and prints, per query, the queries it references. With --order, queries are listed in evaluation order instead (dependencies before dependents).`,
	Example: `./pqx deps report.pbix workbook.xlsx --order`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runDeps,
}

func runDeps(cmd *cobra.Command, args []string) error {
	var queries []mquery.Query
	for _, path := range args {
		res, err := extractFile(cmd, path)
		if err != nil {
			return err
		}
		queries = append(queries, res.Queries...)
	}

	g := mquery.BuildGraph(queries)
	if evalOrder {
		for _, id := range g.Sorted() {
			fmt.Printf("%s/%s\n", id.Container, id.Name)
		}
		return nil
	}

	for _, id := range g.Nodes() {
		deps := g.DependenciesOf(id)
		if len(deps) == 0 {
			fmt.Printf("%s/%s\n", id.Container, id.Name)
			continue
		}
		names := make([]string, len(deps))
		for i, d := range deps {
			names[i] = d.Name
		}
		fmt.Printf("%s/%s -> %s\n", id.Container, id.Name, strings.Join(names, ", "))
	}
	return nil
}

func init() {
	depsCmd.Flags().BoolVar(&evalOrder, "order", false, "Print queries in evaluation order")
}
