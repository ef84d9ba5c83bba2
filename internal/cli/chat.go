package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/harun/toolmesh/pkg/agent"
	"github.com/harun/toolmesh/pkg/bridge"
	"github.com/harun/toolmesh/pkg/session"
	"github.com/spf13/cobra"
)

var chatQuiet bool

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat with the agent",
	Long: `Start an interactive chat session. Every message runs to completion
before the next prompt, with each tool call and its result printed as it happens.

Type 'exit' to quit, 'help' for examples.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().BoolVarP(&chatQuiet, "quiet", "q", false, "hide tool calls and results")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "🌟 Starting Toolmesh...")

	a, cleanup, err := bootstrap(ctx)
	if err != nil {
		fmt.Fprintf(out, "❌ Error starting client: %v\n", err)
		fmt.Fprintln(out, "\nMake sure the configured MCP servers are running.")
		return err
	}
	defer cleanup()

	printTools(out, a.Registry.Descriptors())

	sess, err := a.Sessions.Create(ctx)
	if err != nil {
		return err
	}

	c := &chatSession{
		bridge:  a.Bridge,
		sess:    sess,
		in:      cmd.InOrStdin(),
		out:     out,
		verbose: !chatQuiet,
	}
	return c.run(ctx)
}

// chatSession is one interactive conversation on the terminal.
type chatSession struct {
	bridge  *bridge.Bridge
	sess    *session.Session
	in      io.Reader
	out     io.Writer
	verbose bool
}

const divider = "--------------------------------------------------"

func (c *chatSession) run(ctx context.Context) error {
	c.banner()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "\n💬 Your message: ")

		var input string
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out, "\n\n👋 Goodbye!")
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(c.out, "\n👋 Goodbye!")
				return nil
			}
			input = strings.TrimSpace(line)
		}

		switch strings.ToLower(input) {
		case "exit":
			fmt.Fprintln(c.out, "👋 Goodbye!")
			return nil
		case "help":
			c.examples()
			continue
		case "":
			fmt.Fprintln(c.out, "Please enter a message or 'exit' to quit.")
			continue
		}

		fmt.Fprintf(c.out, "\n🤔 Processing: %s\n", input)
		fmt.Fprintln(c.out, divider)

		result, err := c.bridge.RunBlocking(ctx, c.sess, input, c.sink())

		fmt.Fprintln(c.out, divider)
		if err != nil {
			fmt.Fprintf(c.out, "❌ Error: %v\n", err)
			fmt.Fprintln(c.out, "Please try again or type 'exit' to quit.")
			continue
		}
		fmt.Fprintf(c.out, "🤖 Agent: %s\n", result.FinalAnswer)
	}
}

func (c *chatSession) sink() agent.EventSink {
	if !c.verbose {
		return nil
	}
	return func(e agent.Event) {
		switch e.Type {
		case agent.EventToolCallRequested:
			args, err := json.Marshal(e.Arguments)
			if err != nil {
				args = []byte(fmt.Sprint(e.Arguments))
			}
			fmt.Fprintf(c.out, "🔧 Calling tool: %s\n", e.Tool)
			fmt.Fprintf(c.out, "   Parameters: %s\n", args)
		case agent.EventToolCallCompleted:
			if e.IsError {
				fmt.Fprintf(c.out, "❌ Tool error: %s\n", e.Excerpt)
				return
			}
			fmt.Fprintf(c.out, "✅ Tool result: %s...\n", e.Excerpt)
		}
	}
}

func (c *chatSession) banner() {
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(c.out, "\n"+rule)
	fmt.Fprintln(c.out, "🚀 Multi-Server MCP Client Ready!")
	fmt.Fprintln(c.out, rule)
	fmt.Fprintln(c.out, "You can now ask questions about:")
	fmt.Fprintln(c.out, "  📊 Database: Add/query people data")
	fmt.Fprintln(c.out, "  🌦️  Weather: Get alerts/forecasts for US locations")
	fmt.Fprintln(c.out, "  🔄 Combined: Mix database and weather operations")
	fmt.Fprintln(c.out, "\nType 'exit' to quit, 'help' for examples")
	fmt.Fprintln(c.out, rule)
}

func (c *chatSession) examples() {
	fmt.Fprintln(c.out, "\n📝 Example commands:")
	fmt.Fprintln(c.out, "  Database:")
	fmt.Fprintln(c.out, "    • Add John Doe, age 30, engineer to the database")
	fmt.Fprintln(c.out, "    • Show me all people in the database")
	fmt.Fprintln(c.out, "    • Find all people over 25 years old")
	fmt.Fprintln(c.out, "  Weather:")
	fmt.Fprintln(c.out, "    • Get weather alerts for California")
	fmt.Fprintln(c.out, "    • Get forecast for NYC (40.7128, -74.0060)")
	fmt.Fprintln(c.out, "    • Check alerts for Texas")
	fmt.Fprintln(c.out, "  Combined:")
	fmt.Fprintln(c.out, "    • Add a meteorologist to the database, then check weather in NY")
}
