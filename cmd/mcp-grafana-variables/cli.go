package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"gopkg.in/yaml.v3"

	mcpgrafana "github.com/grafana/mcp-grafana-variables"
	mcptools "github.com/grafana/mcp-grafana-variables/tools"
)

const (
	exitOK            = 0
	exitToolError     = 1 // tool returned IsError=true
	exitInternalError = 2 // usage error, unknown tool, bad JSON, handler failure
)

type outputFormat string

const (
	outputJSON outputFormat = "json"
	outputYAML outputFormat = "yaml"
)

type cliContextProvider func() context.Context

type cliCommand struct {
	tool    mcpgrafana.Tool
	request mcp.CallToolRequest
}

// parseCLICommand turns CLI args into a tool call. A nil command means the
// args were fully handled (help or an error) and the exit code is final.
func parseCLICommand(args []string, stdin io.Reader, registry *mcpgrafana.ToolCollector, stdout, stderr io.Writer) (*cliCommand, int) {
	if len(args) == 0 {
		printTopLevelHelp(registry, stdout)
		return nil, exitOK
	}

	toolName, toolArgs := args[0], args[1:]
	tool, ok := registry.Lookup(toolName)
	if !ok {
		_, _ = fmt.Fprintf(stderr, "Error: unknown tool %q\n", toolName)
		if suggestions := findSimilarTools(toolName, registry.Names()); len(suggestions) > 0 {
			_, _ = fmt.Fprintf(stderr, "Did you mean: %s?\n", strings.Join(suggestions, ", "))
		}
		return nil, exitInternalError
	}

	if len(toolArgs) > 0 && (toolArgs[0] == "--help" || toolArgs[0] == "-h") {
		printToolHelp(tool, stdout)
		return nil, exitOK
	}

	var input []byte
	if len(toolArgs) > 0 {
		input = []byte(toolArgs[0])
	} else if stdin != nil {
		var err error
		if input, err = io.ReadAll(stdin); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: failed to read stdin: %v\n", err)
			return nil, exitInternalError
		}
	}
	if strings.TrimSpace(string(input)) == "" {
		input = []byte("{}")
	}

	var arguments map[string]any
	if err := json.Unmarshal(input, &arguments); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid JSON input: %v\n", err)
		return nil, exitInternalError
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = toolName
	request.Params.Arguments = arguments
	return &cliCommand{tool: tool, request: request}, exitOK
}

func executeCLI(ctxProvider cliContextProvider, registry *mcpgrafana.ToolCollector, format outputFormat, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if ctxProvider == nil {
		ctxProvider = context.Background
	}

	cmd, code := parseCLICommand(args, stdin, registry, stdout, stderr)
	if cmd == nil {
		return code
	}

	result, err := cmd.tool.Handler(ctxProvider(), cmd.request)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitInternalError
	}
	if result == nil {
		result = &mcp.CallToolResult{}
	}

	if err := writeResult(stdout, format, result); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: failed to encode %s output: %v\n", format, err)
		return exitInternalError
	}
	if result.IsError {
		return exitToolError
	}
	return exitOK
}

// writeResult encodes the tool result. YAML output goes through JSON first so
// that the field names match the JSON tags of the MCP types.
func writeResult(w io.Writer, format outputFormat, result *mcp.CallToolResult) error {
	if format != outputYAML {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func printTopLevelHelp(registry *mcpgrafana.ToolCollector, w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: mcp-grafana-variables cli [--output json|yaml] <tool-name> [--help] [json-params]")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Environment variables:")
	_, _ = fmt.Fprintln(w, "  GRAFANA_URL                       Grafana instance URL")
	_, _ = fmt.Fprintln(w, "  GRAFANA_SERVICE_ACCOUNT_TOKEN     Service account token for authentication")
	_, _ = fmt.Fprintln(w, "  GRAFANA_ORG_ID                    Grafana organization ID")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Available tools:")
	_, _ = fmt.Fprintln(w)

	names := registry.Names()
	maxLen := 0
	for _, name := range names {
		maxLen = max(maxLen, len(name))
	}
	for _, name := range names {
		tool, _ := registry.Lookup(name)
		desc := strings.TrimSpace(tool.Tool.Description)
		if i := strings.Index(desc, ". "); i != -1 {
			desc = desc[:i+1]
		}
		_, _ = fmt.Fprintf(w, "  %-*s  %s\n", maxLen, name, desc)
	}
}

// printToolHelp shows the parameter schema of a tool.
func printToolHelp(tool mcpgrafana.Tool, w io.Writer) {
	_, _ = fmt.Fprintf(w, "Tool: %s\n", tool.Tool.Name)
	if tool.Tool.Description != "" {
		_, _ = fmt.Fprintf(w, "\n%s\n", tool.Tool.Description)
	}
	_, _ = fmt.Fprintln(w)

	var schema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if len(tool.Tool.RawInputSchema) > 0 {
		if err := json.Unmarshal(tool.Tool.RawInputSchema, &schema); err != nil {
			_, _ = fmt.Fprintf(w, "Parameters (raw JSON schema):\n%s\n", string(tool.Tool.RawInputSchema))
			return
		}
	}
	if len(schema.Properties) == 0 {
		_, _ = fmt.Fprintln(w, "No parameters.")
		return
	}

	required := make(map[string]bool, len(schema.Required))
	for _, r := range schema.Required {
		required[r] = true
	}

	_, _ = fmt.Fprintln(w, "Parameters:")
	for _, name := range sortedKeys(schema.Properties) {
		prop := schema.Properties[name]
		typ := prop.Type
		if typ == "" {
			typ = "any"
		}
		suffix := ""
		if required[name] {
			suffix = " (required)"
		}
		_, _ = fmt.Fprintf(w, "  %s (%s)%s\n", name, typ, suffix)
		if prop.Description != "" {
			_, _ = fmt.Fprintf(w, "    %s\n", prop.Description)
		}
	}
}

// findSimilarTools returns up to five tool names containing name,
// case-insensitively. names must be sorted.
func findSimilarTools(name string, names []string) []string {
	var suggestions []string
	lower := strings.ToLower(name)
	for _, n := range names {
		if strings.Contains(strings.ToLower(n), lower) {
			suggestions = append(suggestions, n)
		}
		if len(suggestions) == 5 {
			break
		}
	}
	return suggestions
}

// runCLI is the entry point of the "cli" subcommand.
func runCLI(args []string) int {
	fs := flag.NewFlagSet("cli", flag.ContinueOnError)

	var gc grafanaConfig
	gc.addFlags(fs)

	var enabledTools, output string
	fs.StringVar(&enabledTools, "enabled-tools", defaultEnabledTools, "Comma-separated list of tool categories to enable")
	fs.StringVar(&output, "output", string(outputJSON), "Output format (json or yaml)")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return exitOK
		}
		return exitInternalError
	}

	format := outputFormat(output)
	if format != outputJSON && format != outputYAML {
		_, _ = fmt.Fprintf(os.Stderr, "Error: invalid output format %q: must be json or yaml\n", output)
		return exitInternalError
	}

	registry := mcpgrafana.NewToolCollector()
	mcptools.CollectAllTools(registry, enabledCategories(enabledTools))

	// The context is built lazily so help and unknown-tool paths do not
	// depend on a valid environment.
	cfg := gc.toGrafanaConfig()
	ctxProvider := func() context.Context {
		return mcpgrafana.ComposedStdioContextFunc(cfg)(context.Background())
	}

	// Only read stdin when it is piped.
	var stdin io.Reader
	if fi, err := os.Stdin.Stat(); err == nil && (fi.Mode()&os.ModeCharDevice) == 0 {
		stdin = os.Stdin
	}

	return executeCLI(ctxProvider, registry, format, fs.Args(), stdin, os.Stdout, os.Stderr)
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
