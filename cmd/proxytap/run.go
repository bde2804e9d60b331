package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/proxytap/proxytap/hostfunc"
	"github.com/proxytap/proxytap/loader"
	"github.com/proxytap/proxytap/runner"
)

var runCmd = &cobra.Command{
	Use:   "run [filter.wasm]",
	Short: "Run a filter against a synthetic exchange",
	Long: `Load a compiled proxy-wasm filter and drive it through the four HTTP
lifecycle hooks. The request hooks run first, then one real outbound fetch
hits the target URL, then the response hooks run on whatever came back.

The exchange can be described with flags, a YAML scenario file, or both
(flags win). --hook runs a single hook standalone instead of the full flow;
response hooks then see an empty 200.

Examples:
  proxytap run filter.wasm --url http://localhost:9000/api
  proxytap run filter.wasm --scenario call.yaml --json
  proxytap run filter.wasm --hook request-headers --header x-debug=1`,
	Args: cobra.MaximumNArgs(1),
	Run:  runRun,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	addCallFlags(cmd)
	addModuleFlags(cmd)
	cmd.Flags().String("hook", "", "Run a single hook instead of the full flow")
	cmd.Flags().String("scenario", "", "Load the call from a YAML scenario file")
	cmd.Flags().String("save-scenario", "", "Write the resolved call to a YAML scenario file")
	cmd.Flags().Bool("json", false, "Emit raw JSON results")
}

func addCallFlags(cmd *cobra.Command) {
	cmd.Flags().String("url", "", "Target URL for the outbound fetch")
	cmd.Flags().StringP("method", "X", "", "Request method (default GET)")
	cmd.Flags().StringArray("header", nil, "Request header name=value (repeatable)")
	cmd.Flags().String("body", "", "Request body")
	cmd.Flags().String("body-file", "", "Read request body from file")
	cmd.Flags().StringArray("prop", nil, "Seed property path=value (repeatable)")
}

func addModuleFlags(cmd *cobra.Command) {
	cmd.Flags().String("plugin-config", "", "Plugin configuration, inline or @file")
	cmd.Flags().String("vm-config", "", "VM configuration, inline or @file")
	cmd.Flags().Uint32("mem-limit-pages", 0, "Guest memory limit in 64KB pages (0 = engine default)")
	cmd.Flags().String("cache-dir", "", "Compilation cache directory (default: XDG cache)")
}

func runnerOptions(cmd *cobra.Command, logger *zap.Logger) []runner.Option {
	noCache, _ := cmd.Root().PersistentFlags().GetBool("no-cache")
	cacheDir, _ := cmd.Flags().GetString("cache-dir")
	memPages, _ := cmd.Flags().GetUint32("mem-limit-pages")

	opts := []runner.Option{runner.WithLogger(logger)}
	switch {
	case noCache:
	case cacheDir != "":
		opts = append(opts, runner.WithDiskCache(cacheDir))
	default:
		opts = append(opts, runner.WithDiskCache())
	}
	if memPages > 0 {
		opts = append(opts, runner.WithMemoryLimit(memPages))
	}
	return opts
}

// configSpecs resolves the plugin and vm config sources: flags win over the
// scenario's plugin_config / vm_config fields.
func configSpecs(cmd *cobra.Command, scen *loader.Scenario) (plugin, vm string) {
	plugin, _ = cmd.Flags().GetString("plugin-config")
	vm, _ = cmd.Flags().GetString("vm-config")
	if scen != nil {
		if plugin == "" {
			plugin = scen.PluginConfig
		}
		if vm == "" {
			vm = scen.VMConfig
		}
	}
	return plugin, vm
}

func moduleOptions(pluginSpec, vmSpec string) ([]runner.ModuleOption, error) {
	var opts []runner.ModuleOption

	plugin, err := loader.ConfigBytes(pluginSpec)
	if err != nil {
		return nil, err
	}
	if plugin != nil {
		opts = append(opts, runner.WithPluginConfig(plugin))
	}

	vm, err := loader.ConfigBytes(vmSpec)
	if err != nil {
		return nil, err
	}
	if vm != nil {
		opts = append(opts, runner.WithVMConfig(vm))
	}
	return opts, nil
}

// buildCall merges the scenario baseline with call flags. Explicit flags win
// field by field; header and prop entries merge over the scenario's.
func buildCall(cmd *cobra.Command, scen *loader.Scenario) (runner.FlowCall, error) {
	var call runner.FlowCall
	if scen != nil {
		var err error
		call, err = scen.FlowCall()
		if err != nil {
			return call, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("url") || call.URL == "" {
		call.URL, _ = flags.GetString("url")
	}
	if flags.Changed("method") || call.Method == "" {
		call.Method, _ = flags.GetString("method")
	}

	if specs, _ := flags.GetStringArray("header"); len(specs) > 0 {
		pairs, err := parsePairs(specs, "header")
		if err != nil {
			return call, err
		}
		if call.Headers == nil {
			call.Headers = make(map[string]string, len(pairs))
		}
		for k, v := range pairs {
			call.Headers[k] = v
		}
	}

	if specs, _ := flags.GetStringArray("prop"); len(specs) > 0 {
		pairs, err := parsePairs(specs, "property")
		if err != nil {
			return call, err
		}
		if call.Properties == nil {
			call.Properties = make(map[string]any, len(pairs))
		}
		for k, v := range pairs {
			call.Properties[k] = v
		}
	}

	bodyFile, _ := flags.GetString("body-file")
	body, _ := flags.GetString("body")
	switch {
	case bodyFile != "" && body != "":
		return call, fmt.Errorf("--body and --body-file are mutually exclusive")
	case bodyFile != "":
		data, err := os.ReadFile(bodyFile)
		if err != nil {
			return call, fmt.Errorf("read body file: %w", err)
		}
		call.Body = string(data)
	case flags.Changed("body"):
		call.Body = body
	}

	return call, nil
}

// scenarioFromCall is the inverse of buildCall, for --save-scenario.
func scenarioFromCall(call runner.FlowCall, pluginSpec, vmSpec string) *loader.Scenario {
	s := &loader.Scenario{
		URL:          call.URL,
		Method:       call.Method,
		Headers:      call.Headers,
		Body:         call.Body,
		Properties:   call.Properties,
		PluginConfig: pluginSpec,
		VMConfig:     vmSpec,
	}
	if call.LogLevel != hostfunc.LogLevelTrace {
		s.LogLevel = call.LogLevel.String()
	}
	return s
}

// hookCallFromFlow derives a standalone hook call from the flow fields.
// Response hooks get a plain 200 to chew on since no fetch happens.
func hookCallFromFlow(hook runner.Hook, call runner.FlowCall) (runner.HookCall, error) {
	u, err := url.Parse(call.URL)
	if err != nil {
		return runner.HookCall{}, fmt.Errorf("parse target url: %w", err)
	}

	headers := make(map[string]string, len(call.Headers)+1)
	for k, v := range call.Headers {
		headers[k] = v
	}
	if u.Host != "" && !hasHeader(headers, "Host") {
		headers["Host"] = u.Host
	}

	hookCall := runner.HookCall{
		Hook: hook,
		Request: runner.RequestState{
			Method:  call.Method,
			Path:    u.RequestURI(),
			Scheme:  u.Scheme,
			Headers: headers,
			Body:    call.Body,
		},
		Properties: call.Properties,
		LogLevel:   call.LogLevel,
	}

	if hook == runner.OnResponseHeaders || hook == runner.OnResponseBody {
		hookCall.Response = runner.ResponseState{
			Status:     http.StatusOK,
			StatusText: "OK",
			Headers:    map[string]string{},
		}
		props := make(map[string]any, len(call.Properties)+1)
		for k, v := range call.Properties {
			props[k] = v
		}
		if _, ok := props["response.status"]; !ok {
			props["response.status"] = http.StatusOK
		}
		hookCall.Properties = props
	}
	return hookCall, nil
}

func runRun(cmd *cobra.Command, args []string) {
	if len(args) == 0 {
		cmd.Help()
		return
	}

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

	call, err := buildCall(cmd, scen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if level, set, err := captureLevel(cmd); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	} else if set {
		call.LogLevel = level
	}

	pluginSpec, vmSpec := configSpecs(cmd, scen)

	if out, _ := cmd.Flags().GetString("save-scenario"); out != "" {
		if err := scenarioFromCall(call, pluginSpec, vmSpec).Save(out); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	modOpts, err := moduleOptions(pluginSpec, vmSpec)
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

	jsonOut, _ := cmd.Flags().GetBool("json")
	w := cmd.OutOrStdout()

	if hookName, _ := cmd.Flags().GetString("hook"); hookName != "" {
		hook, err := runner.ParseHook(hookName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		hookCall, err := hookCallFromFlow(hook, call)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		res := mod.RunHook(context.Background(), hookCall)
		if jsonOut {
			printJSON(w, res)
		} else {
			printFilterLine(w, args[0], mod)
			printHookResult(w, hook, res)
		}
		if res.Failed() {
			os.Exit(1)
		}
		return
	}

	result, err := mod.RunFlow(context.Background(), call)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if jsonOut {
		printJSON(w, result)
	} else {
		printFilterLine(w, args[0], mod)
		printFlowResult(w, result)
	}
	for _, hook := range runner.Hooks {
		if res, ok := result.Hooks[hook]; ok && res.Failed() {
			os.Exit(1)
		}
	}
}

func printJSON(w io.Writer, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintln(w, string(data))
}

func printFilterLine(w io.Writer, path string, mod *runner.Module) {
	fmt.Fprintf(w, "filter: %s", path)
	if v := mod.ABIVersion(); v != "" {
		fmt.Fprintf(w, " (abi %s)", v)
	}
	fmt.Fprintln(w)
}

func printFlowResult(w io.Writer, result *runner.FlowResult) {
	for _, hook := range runner.Hooks {
		res, ok := result.Hooks[hook]
		if !ok {
			continue
		}
		printHookResult(w, hook, res)
	}
	printFinal(w, result.Final)
}

func printHookResult(w io.Writer, hook runner.Hook, res *runner.HookResult) {
	fmt.Fprintf(w, "--- %s: %s\n", hook, actionName(res.ReturnCode))
	if res.Error != "" {
		fmt.Fprintf(w, "    error: %s\n", res.Error)
	}
	for _, entry := range res.Logs {
		fmt.Fprintf(w, "    [%s] %s\n", entry.Level, entry.Message)
	}

	printMutations(w, "request header", diffStrings(res.Input.Request.Headers, res.Output.Request.Headers))
	printMutations(w, "response header", diffStrings(res.Input.Response.Headers, res.Output.Response.Headers))
	printMutations(w, "property", diffStrings(stringifyProps(res.Input.Properties), stringifyProps(res.Output.Properties)))

	if res.Input.Request.Body != res.Output.Request.Body {
		fmt.Fprintf(w, "    ~ request body: %d -> %d bytes\n", len(res.Input.Request.Body), len(res.Output.Request.Body))
	}
	if res.Input.Response.Body != res.Output.Response.Body {
		fmt.Fprintf(w, "    ~ response body: %d -> %d bytes\n", len(res.Input.Response.Body), len(res.Output.Response.Body))
	}
}

func printFinal(w io.Writer, final runner.FinalResponse) {
	fmt.Fprintf(w, "=== final response: %d %s\n", final.Status, final.StatusText)
	for _, k := range sortedKeys(final.Headers) {
		fmt.Fprintf(w, "    %s: %s\n", k, final.Headers[k])
	}
	switch {
	case final.Body == "":
	case final.IsBase64:
		size := len(final.Body)
		if raw, err := base64.StdEncoding.DecodeString(final.Body); err == nil {
			size = len(raw)
		}
		fmt.Fprintf(w, "    (binary body, %d bytes)\n", size)
	default:
		fmt.Fprintln(w)
		fmt.Fprintln(w, final.Body)
	}
}

func actionName(code *int32) string {
	if code == nil {
		return "FAILED"
	}
	switch *code {
	case runner.ActionContinue:
		return "CONTINUE"
	case runner.ActionPause:
		return "PAUSE"
	default:
		return fmt.Sprintf("ACTION(%d)", *code)
	}
}

// mutation is one observed difference between a hook's input and output.
type mutation struct {
	op       byte // '+', '-', '~'
	key      string
	from, to string
}

func diffStrings(before, after map[string]string) []mutation {
	var muts []mutation
	for _, k := range sortedKeys(after) {
		old, ok := before[k]
		switch {
		case !ok:
			muts = append(muts, mutation{op: '+', key: k, to: after[k]})
		case old != after[k]:
			muts = append(muts, mutation{op: '~', key: k, from: old, to: after[k]})
		}
	}
	for _, k := range sortedKeys(before) {
		if _, ok := after[k]; !ok {
			muts = append(muts, mutation{op: '-', key: k})
		}
	}
	return muts
}

func printMutations(w io.Writer, kind string, muts []mutation) {
	for _, m := range muts {
		switch m.op {
		case '+':
			fmt.Fprintf(w, "    + %s %s: %s\n", kind, m.key, m.to)
		case '-':
			fmt.Fprintf(w, "    - %s %s\n", kind, m.key)
		default:
			fmt.Fprintf(w, "    ~ %s %s: %s -> %s\n", kind, m.key, m.from, m.to)
		}
	}
}

func stringifyProps(props map[string]any) map[string]string {
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
