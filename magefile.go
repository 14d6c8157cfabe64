//go:build mage

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binaryName         = "preview"
	srcDir             = "./src/cmd/preview"
	binDir             = "bin"
	coverageDir        = "coverage"
	versionPkg         = "github.com/jongio/app-preview/cli/src/cmd/preview/commands"
	defaultTestTimeout = "10m"
)

var platforms = []string{"linux/amd64", "linux/arm64", "darwin/amd64", "darwin/arm64", "windows/amd64"}

// Default target runs all checks and builds.
var Default = All

// getVersion returns PREVIEW_VERSION, else the nearest git tag, else "dev".
func getVersion() string {
	if v := os.Getenv("PREVIEW_VERSION"); v != "" {
		return v
	}
	if out, err := sh.Output("git", "describe", "--tags", "--always", "--dirty"); err == nil && out != "" {
		return strings.TrimPrefix(strings.TrimSpace(out), "v")
	}
	return "dev"
}

func ldflags(version string) string {
	return fmt.Sprintf("-s -w -X %s.Version=%s -X %s.BuildTime=%s",
		versionPkg, version, versionPkg, time.Now().UTC().Format(time.RFC3339))
}

func buildFor(goos, goarch, version string) error {
	name := binaryName
	if goos == "windows" {
		name += ".exe"
	}
	out := filepath.Join(binDir, goos+"-"+goarch, name)
	env := map[string]string{
		"GOOS":        goos,
		"GOARCH":      goarch,
		"CGO_ENABLED": "0",
	}
	return sh.RunWithV(env, "go", "build", "-trimpath", "-ldflags", ldflags(version), "-o", out, srcDir)
}

// All runs lint, test, and build in dependency order.
func All() error {
	mg.Deps(Fmt, Lint, Test)
	return Build()
}

// Build compiles the preview binary for the current platform with version info.
func Build() error {
	fmt.Println("Building", binaryName+"...")

	version := getVersion()
	if err := buildFor(runtime.GOOS, runtime.GOARCH, version); err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	fmt.Printf("✅ Build complete! Version: %s\n", version)
	return nil
}

// BuildAll builds for all release platforms.
func BuildAll() error {
	fmt.Println("Building for all platforms...")

	version := getVersion()
	for _, platform := range platforms {
		goos, goarch, _ := strings.Cut(platform, "/")
		if err := buildFor(goos, goarch, version); err != nil {
			return fmt.Errorf("build for %s failed: %w", platform, err)
		}
	}

	fmt.Println("✅ Build complete for all platforms!")
	return nil
}

// Test runs unit tests only (with -short flag).
func Test() error {
	fmt.Println("Running unit tests...")
	return sh.RunV("go", "test", "-v", "-short", "./src/...")
}

// TestAll runs all tests, including the ones that spawn real dev server processes.
// Set TEST_PACKAGE to limit the run to one package under src/internal (e.g. orchestrator).
// Set TEST_TIMEOUT to override the default 10m timeout.
func TestAll() error {
	fmt.Println("Running all tests...")

	testPath := "./src/..."
	if pkg := os.Getenv("TEST_PACKAGE"); pkg != "" {
		testPath = "./src/internal/" + pkg
	}
	timeout := os.Getenv("TEST_TIMEOUT")
	if timeout == "" {
		timeout = defaultTestTimeout
	}
	return sh.RunV("go", "test", "-v", "-race", "-timeout", timeout, testPath)
}

// TestCoverage runs tests with coverage report.
func TestCoverage() error {
	fmt.Println("Running tests with coverage...")

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	absCoverageDir := filepath.Join(cwd, coverageDir)
	_ = os.RemoveAll(absCoverageDir)

	if err := os.MkdirAll(absCoverageDir, 0o755); err != nil {
		return fmt.Errorf("failed to create coverage directory at %s: %w", absCoverageDir, err)
	}

	coverageOut := filepath.Join(absCoverageDir, "coverage.out")
	coverageHTML := filepath.Join(absCoverageDir, "coverage.html")

	if err := sh.RunV("go", "test", "-v", "-short", "-coverprofile="+coverageOut, "./src/..."); err != nil {
		return fmt.Errorf("tests failed: %w", err)
	}

	if err := sh.RunV("go", "tool", "cover", "-html="+coverageOut, "-o", coverageHTML); err != nil {
		return fmt.Errorf("failed to generate HTML coverage: %w", err)
	}

	if err := sh.RunV("go", "tool", "cover", "-func="+coverageOut); err != nil {
		return fmt.Errorf("failed to display coverage summary: %w", err)
	}

	fmt.Println("Coverage report:", coverageHTML)
	return nil
}

// Coverage is an alias for TestCoverage.
func Coverage() error {
	return TestCoverage()
}

// Lint runs golangci-lint on the codebase.
func Lint() error {
	fmt.Println("Running golangci-lint...")
	if err := sh.RunV("golangci-lint", "run", "./..."); err != nil {
		fmt.Println("⚠️  Linting failed. Ensure golangci-lint is installed:")
		fmt.Println("    go install github.com/golangci/golangci-lint/cmd/golangci-lint@latest")
		return err
	}
	return nil
}

// Fmt formats all Go code using gofmt.
func Fmt() error {
	fmt.Println("Formatting code...")

	if err := sh.RunV("gofmt", "-w", "-s", "src", "magefile.go"); err != nil {
		return fmt.Errorf("formatting failed: %w", err)
	}

	fmt.Println("✅ Code formatted!")
	return nil
}

// Clean removes build artifacts and coverage reports.
func Clean() error {
	fmt.Println("Cleaning build artifacts...")

	for _, dir := range []string{binDir, coverageDir} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}

	fmt.Println("✅ Clean complete!")
	return nil
}

// Security runs security scanning with gosec.
func Security() error {
	fmt.Println("Running security scan...")
	if err := sh.RunV("gosec",
		"-tests=false",
		"-exclude-generated",
		"-fmt=text",
		"-exclude=G204,G304", // launch commands and state paths come from operator config
		"-nosec",
		"./src/...",
	); err != nil {
		fmt.Println("⚠️  Security scan failed. Ensure gosec is installed:")
		fmt.Println("    go install github.com/securego/gosec/v2/cmd/gosec@latest")
		return err
	}
	fmt.Println("✅ Security scan passed!")
	return nil
}

// Preflight runs format, build, lint, security and coverage before shipping.
func Preflight() error {
	fmt.Println("🚀 Running preflight checks...")
	fmt.Println()

	checks := []struct {
		name string
		fn   func() error
	}{
		{"Formatting code", Fmt},
		{"Building Go binary", Build},
		{"Running standard linting", Lint},
		{"Running security scan", Security},
		{"Running all tests with coverage", TestCoverage},
	}

	for i, check := range checks {
		fmt.Printf("📋 Step %d/%d: %s...\n", i+1, len(checks), check.name)
		if err := check.fn(); err != nil {
			return fmt.Errorf("%s failed: %w", check.name, err)
		}
		fmt.Println()
	}

	fmt.Println("✅ All preflight checks passed!")
	return nil
}

// Run builds and serves previews from ./previews using ./preview.yaml when present.
func Run() error {
	mg.Deps(Build)
	bin := filepath.Join(binDir, runtime.GOOS+"-"+runtime.GOARCH, binaryName)
	if runtime.GOOS == "windows" {
		bin += ".exe"
	}
	args := []string{"serve", "--echo", "--intake-dir", "previews"}
	if _, err := os.Stat("preview.yaml"); err == nil {
		args = append([]string{"--config", "preview.yaml"}, args...)
	}
	return sh.RunV(bin, args...)
}
