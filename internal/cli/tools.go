package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/harun/toolmesh/pkg/toolprovider"
	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools of every configured server",
	Long:  `Connect to every configured MCP server and list the merged tool registry.`,
	RunE:  runTools,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	a, cleanup, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	printTools(cmd.OutOrStdout(), a.Registry.Descriptors())
	return nil
}

// printTools lists tools grouped by provider, in registry order.
func printTools(out io.Writer, tools []toolprovider.Descriptor) {
	var providers []string
	byProvider := make(map[string][]toolprovider.Descriptor)
	for _, d := range tools {
		if _, seen := byProvider[d.Provider]; !seen {
			providers = append(providers, d.Provider)
		}
		byProvider[d.Provider] = append(byProvider[d.Provider], d)
	}

	fmt.Fprintln(out, "\n📋 Available tools")
	for _, p := range providers {
		group := byProvider[p]
		fmt.Fprintf(out, "=== %s TOOLS (%d) ===\n", strings.ToUpper(p), len(group))
		for _, d := range group {
			if d.Description == "" {
				fmt.Fprintf(out, "  • %s\n", d.Name)
				continue
			}
			fmt.Fprintf(out, "  • %s - %s\n", d.Name, firstLine(d.Description))
		}
	}
	fmt.Fprintf(out, "\n✅ Total tools available: %d\n", len(tools))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
