package service

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LaunchCommand is a resolved command line for a preview.
type LaunchCommand struct {
	Command        string   `json:"command"`
	Args           []string `json:"args"`
	Framework      string   `json:"framework,omitempty"`
	PackageManager string   `json:"packageManager,omitempty"`
}

// LaunchOptions controls command resolution. A non-empty Command bypasses
// detection; {port} and {host} in Args are substituted.
type LaunchOptions struct {
	Command string
	Args    []string
	Host    string
	Port    int
}

type packageJSON struct {
	PackageManager  string            `json:"packageManager"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

func (p *packageJSON) hasDep(name string) bool {
	_, dep := p.Dependencies[name]
	_, dev := p.DevDependencies[name]
	return dep || dev
}

// ResolveLaunch determines how to start the dev server in projectDir.
func ResolveLaunch(projectDir string, opts LaunchOptions) (LaunchCommand, error) {
	if opts.Command != "" {
		return LaunchCommand{
			Command: opts.Command,
			Args:    substituteArgs(opts.Args, opts.Host, opts.Port),
		}, nil
	}

	// #nosec G304 -- projectDir is the job's project tree
	data, err := os.ReadFile(filepath.Join(projectDir, "package.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return LaunchCommand{}, fmt.Errorf("%w: no package.json in %s", ErrNoLaunchCommand, projectDir)
		}
		return LaunchCommand{}, fmt.Errorf("failed to read package.json: %w", err)
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return LaunchCommand{}, fmt.Errorf("%w: invalid package.json: %v", ErrNoLaunchCommand, err)
	}

	script := ""
	for _, candidate := range []string{"dev", "start"} {
		if _, ok := pkg.Scripts[candidate]; ok {
			script = candidate
			break
		}
	}
	if script == "" {
		return LaunchCommand{}, fmt.Errorf("%w: package.json has no dev or start script", ErrNoLaunchCommand)
	}

	framework := detectFramework(projectDir, &pkg)
	pm := detectPackageManager(projectDir, &pkg)
	extra := portFlags(framework, opts.Host, opts.Port)

	var args []string
	switch pm {
	case "yarn":
		args = append([]string{script}, extra...)
	case "pnpm":
		args = append([]string{"run", script}, extra...)
	default:
		args = []string{"run", script}
		if len(extra) > 0 {
			args = append(append(args, "--"), extra...)
		}
	}

	return LaunchCommand{Command: pm, Args: args, Framework: framework, PackageManager: pm}, nil
}

func substituteArgs(args []string, host string, port int) []string {
	out := make([]string, len(args))
	r := strings.NewReplacer("{port}", strconv.Itoa(port), "{host}", host)
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// detectPackageManager: packageManager field > lock files > npm.
func detectPackageManager(projectDir string, pkg *packageJSON) string {
	if pkg.PackageManager != "" {
		name := strings.SplitN(pkg.PackageManager, "@", 2)[0]
		switch name {
		case "npm", "yarn", "pnpm":
			return name
		}
	}
	switch {
	case fileExists(projectDir, "pnpm-lock.yaml"), fileExists(projectDir, "pnpm-workspace.yaml"):
		return "pnpm"
	case fileExists(projectDir, "yarn.lock"):
		return "yarn"
	default:
		return "npm"
	}
}

// Framework names.
const (
	FrameworkVite      = "Vite"
	FrameworkNext      = "Next.js"
	FrameworkNuxt      = "Nuxt"
	FrameworkAstro     = "Astro"
	FrameworkSvelteKit = "SvelteKit"
	FrameworkAngular   = "Angular"
	FrameworkCRA       = "Create React App"
	FrameworkNode      = "Node.js"
)

func detectFramework(projectDir string, pkg *packageJSON) string {
	rules := []struct {
		name  string
		match func() bool
	}{
		{FrameworkNext, func() bool {
			return pkg.hasDep("next") || anyFileExists(projectDir, "next.config.js", "next.config.mjs", "next.config.ts")
		}},
		{FrameworkNuxt, func() bool {
			return pkg.hasDep("nuxt") || anyFileExists(projectDir, "nuxt.config.ts", "nuxt.config.js")
		}},
		{FrameworkAstro, func() bool {
			return pkg.hasDep("astro") || anyFileExists(projectDir, "astro.config.mjs", "astro.config.ts")
		}},
		{FrameworkSvelteKit, func() bool { return pkg.hasDep("@sveltejs/kit") }},
		{FrameworkAngular, func() bool { return fileExists(projectDir, "angular.json") }},
		{FrameworkVite, func() bool {
			return pkg.hasDep("vite") || anyFileExists(projectDir, "vite.config.ts", "vite.config.js", "vite.config.mjs")
		}},
		{FrameworkCRA, func() bool { return pkg.hasDep("react-scripts") }},
	}
	for _, rule := range rules {
		if rule.match() {
			return rule.name
		}
	}
	return FrameworkNode
}

// portFlags returns CLI flags that pin the dev server to host:port. Frameworks
// that only honor the PORT environment variable get none.
func portFlags(framework, host string, port int) []string {
	p := strconv.Itoa(port)
	switch framework {
	case FrameworkVite, FrameworkSvelteKit:
		return []string{"--port", p, "--strictPort", "--host", host}
	case FrameworkAstro, FrameworkNuxt, FrameworkAngular:
		return []string{"--port", p, "--host", host}
	case FrameworkNext:
		return []string{"-p", p, "-H", host}
	default:
		return nil
	}
}

func fileExists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

func anyFileExists(dir string, names ...string) bool {
	for _, name := range names {
		if fileExists(dir, name) {
			return true
		}
	}
	return false
}
