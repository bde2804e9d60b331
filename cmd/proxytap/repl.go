package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/proxytap/proxytap/loader"
	"github.com/proxytap/proxytap/runner"
)

var replCmd = &cobra.Command{
	Use:   "repl <filter.wasm>",
	Short: "Interactive session against a loaded filter",
	Long: `Start an interactive session that keeps one filter loaded and runs it
against a working call you edit command by command.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)

Type 'help' for the command list, 'exit' or Ctrl+D to leave.`,
	Args: cobra.ExactArgs(1),
	Run:  runRepl,
}

func init() {
	replCmd.Flags().String("scenario", "", "Preload the working call from a YAML scenario file")
	replCmd.Flags().String("history", "", "History file path (default: ~/.proxytap_history)")
	addModuleFlags(replCmd)
	rootCmd.AddCommand(replCmd)
}

const replHelp = `Commands:
  url [value]          Show or set the target URL
  method [value]       Show or set the request method
  header [name=value]  List headers, set one, or remove one (bare name)
  prop [path=value]    List properties, set one, or remove one (bare path)
  body [text]          Show or set the request body
  run [hook]           Run one hook standalone (default request-headers)
  flow                 Run the full four-hook flow
  show                 Show the working call
  reset                Restore the starting call
  help                 Show this help
  exit                 Leave the repl
`

// replSession holds the loaded module and the working call between commands.
type replSession struct {
	mod  *runner.Module
	base runner.FlowCall
	call runner.FlowCall
}

func (s *replSession) dispatch(w io.Writer, line string) error {
	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch verb {
	case "url":
		if rest == "" {
			fmt.Fprintln(w, s.call.URL)
			return nil
		}
		s.call.URL = rest
	case "method":
		if rest == "" {
			fmt.Fprintln(w, methodOr(s.call.Method))
			return nil
		}
		s.call.Method = rest
	case "header":
		if rest == "" {
			for _, k := range sortedKeys(s.call.Headers) {
				fmt.Fprintf(w, "%s: %s\n", k, s.call.Headers[k])
			}
			return nil
		}
		name, value, ok := strings.Cut(rest, "=")
		if name == "" {
			return fmt.Errorf("invalid header %q (expected name=value)", rest)
		}
		if !ok {
			delete(s.call.Headers, name)
			return nil
		}
		if s.call.Headers == nil {
			s.call.Headers = make(map[string]string)
		}
		s.call.Headers[name] = value
	case "prop":
		if rest == "" {
			props := stringifyProps(s.call.Properties)
			for _, k := range sortedKeys(props) {
				fmt.Fprintf(w, "%s = %s\n", k, props[k])
			}
			return nil
		}
		path, value, ok := strings.Cut(rest, "=")
		if path == "" {
			return fmt.Errorf("invalid property %q (expected path=value)", rest)
		}
		if !ok {
			delete(s.call.Properties, path)
			return nil
		}
		if s.call.Properties == nil {
			s.call.Properties = make(map[string]any)
		}
		s.call.Properties[path] = value
	case "body":
		if rest == "" {
			if s.call.Body == "" {
				fmt.Fprintln(w, "(empty)")
			} else {
				fmt.Fprintln(w, s.call.Body)
			}
			return nil
		}
		s.call.Body = rest
	case "run":
		hook := runner.OnRequestHeaders
		if rest != "" {
			h, err := runner.ParseHook(rest)
			if err != nil {
				return err
			}
			hook = h
		}
		hookCall, err := hookCallFromFlow(hook, s.call)
		if err != nil {
			return err
		}
		printHookResult(w, hook, s.mod.RunHook(context.Background(), hookCall))
	case "flow":
		result, err := s.mod.RunFlow(context.Background(), s.call)
		if err != nil {
			return err
		}
		printFlowResult(w, result)
	case "show":
		printCall(w, s.call)
	case "reset":
		s.call = cloneCall(s.base)
	case "help":
		fmt.Fprint(w, replHelp)
	default:
		return fmt.Errorf("unknown command %q (try 'help')", verb)
	}
	return nil
}

func printCall(w io.Writer, call runner.FlowCall) {
	fmt.Fprintf(w, "url:    %s\n", call.URL)
	fmt.Fprintf(w, "method: %s\n", methodOr(call.Method))
	for _, k := range sortedKeys(call.Headers) {
		fmt.Fprintf(w, "header %s: %s\n", k, call.Headers[k])
	}
	props := stringifyProps(call.Properties)
	for _, k := range sortedKeys(props) {
		fmt.Fprintf(w, "prop %s = %s\n", k, props[k])
	}
	if call.Body != "" {
		fmt.Fprintf(w, "body:   %d bytes\n", len(call.Body))
	}
}

func methodOr(m string) string {
	if m == "" {
		return http.MethodGet
	}
	return m
}

func cloneCall(call runner.FlowCall) runner.FlowCall {
	out := call
	if call.Headers != nil {
		out.Headers = make(map[string]string, len(call.Headers))
		for k, v := range call.Headers {
			out.Headers[k] = v
		}
	}
	if call.Properties != nil {
		out.Properties = make(map[string]any, len(call.Properties))
		for k, v := range call.Properties {
			out.Properties[k] = v
		}
	}
	return out
}

func runRepl(cmd *cobra.Command, args []string) {
	wasm, err := loader.ReadModule(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var scen *loader.Scenario
	if path, _ := cmd.Flags().GetString("scenario"); path != "" {
		scen, err = loader.LoadScenario(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	base := runner.FlowCall{}
	if scen != nil {
		base, err = scen.FlowCall()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	if level, set, err := captureLevel(cmd); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	} else if set {
		base.LogLevel = level
	}

	modOpts, err := moduleOptions(configSpecs(cmd, scen))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := hostLogger(cmd)
	defer logger.Sync()

	r, err := runner.New(runnerOptions(cmd, logger)...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer r.Close(context.Background())

	mod, err := r.Load(context.Background(), wasm, modOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".proxytap_history")
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Fprintf(os.Stderr, "proxytap repl on %s (type 'help' for commands, Ctrl+D to exit)\n", args[0])

	session := &replSession{mod: mod, base: cloneCall(base), call: cloneCall(base)}

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				fmt.Println()
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		if err := session.dispatch(os.Stdout, line); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}
