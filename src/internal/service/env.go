package service

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// EnvOptions describes the environment injected into a preview process.
type EnvOptions struct {
	Host          string
	Port          int
	MemoryLimitMB int
	Extra         map[string]string
}

// BuildEnv returns base (usually os.Environ()) overlaid with the preview's
// port, host and memory ceiling. Keys in Extra win over everything else.
func BuildEnv(base []string, opts EnvOptions) []string {
	env := make(map[string]string, len(base)+8)
	order := make([]string, 0, len(base)+8)
	set := func(key, value string) {
		if _, exists := env[key]; !exists {
			order = append(order, key)
		}
		env[key] = value
	}

	for _, kv := range base {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		set(key, value)
	}

	set("PORT", strconv.Itoa(opts.Port))
	if opts.Host != "" {
		set("HOST", opts.Host)
	}
	set("BROWSER", "none")
	set("FORCE_COLOR", "0")
	if opts.MemoryLimitMB > 0 {
		set("NODE_OPTIONS", appendNodeOption(env["NODE_OPTIONS"], opts.MemoryLimitMB))
	}

	extraKeys := make([]string, 0, len(opts.Extra))
	for key := range opts.Extra {
		extraKeys = append(extraKeys, key)
	}
	sort.Strings(extraKeys)
	for _, key := range extraKeys {
		set(key, opts.Extra[key])
	}

	out := make([]string, 0, len(order))
	for _, key := range order {
		out = append(out, key+"="+env[key])
	}
	return out
}

// appendNodeOption sets --max-old-space-size, replacing any existing value.
func appendNodeOption(existing string, limitMB int) string {
	flag := fmt.Sprintf("--max-old-space-size=%d", limitMB)
	fields := strings.Fields(existing)
	kept := fields[:0]
	for _, f := range fields {
		if !strings.HasPrefix(f, "--max-old-space-size") {
			kept = append(kept, f)
		}
	}
	return strings.Join(append(kept, flag), " ")
}
