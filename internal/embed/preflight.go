package embed

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/abdul-hamid-achik/cmdvec/internal/errs"
)

// Minimum interpreter version the worker script supports.
const (
	minPythonMajor = 3
	minPythonMinor = 9
)

// DefaultRequiredModules are imported by the worker script.
var DefaultRequiredModules = []string{"fastembed"}

var versionPattern = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`)

// CommandRunner executes a short-lived diagnostic command.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execCommandRunner struct{}

func (execCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Check is the outcome of one pre-flight probe.
type Check struct {
	Name        string `json:"name"`
	OK          bool   `json:"ok"`
	Detail      string `json:"detail,omitempty"`
	Remediation string `json:"remediation,omitempty"`

	code errs.Code
}

// Diagnosis is the result of the worker pre-flight.
type Diagnosis struct {
	Runtime        string  `json:"runtime"`
	RuntimeVersion string  `json:"runtime_version,omitempty"`
	Checks         []Check `json:"checks"`
}

// OK reports whether every check passed.
func (d Diagnosis) OK() bool {
	for _, c := range d.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}

// Err converts the first failing check into a setup error.
func (d Diagnosis) Err() error {
	for _, c := range d.Checks {
		if c.OK {
			continue
		}
		return errs.New(c.code, fmt.Sprintf("%s: %s", c.Name, c.Detail),
			errs.Field("runtime", d.Runtime),
			errs.Remediation(c.Remediation))
	}
	return nil
}

// String renders the diagnosis for terminals.
func (d Diagnosis) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Embedding worker runtime: %s", d.Runtime))
	if d.RuntimeVersion != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", d.RuntimeVersion))
	}
	sb.WriteString("\n")

	for _, c := range d.Checks {
		status := "ok"
		if !c.OK {
			status = "FAILED"
		}
		sb.WriteString(fmt.Sprintf("  - %s: %s\n", c.Name, status))
		if c.Detail != "" {
			sb.WriteString(fmt.Sprintf("    %s\n", c.Detail))
		}
		if !c.OK && c.Remediation != "" {
			sb.WriteString(fmt.Sprintf("    fix: %s\n", c.Remediation))
		}
	}
	return sb.String()
}

// Diagnose checks that runtime exists, is recent enough, and can import
// every module. A nil runner executes real commands.
func Diagnose(ctx context.Context, runner CommandRunner, runtime string, modules []string) Diagnosis {
	if runner == nil {
		runner = execCommandRunner{}
	}
	d := Diagnosis{Runtime: runtime}

	out, err := runner.Run(ctx, runtime, "--version")
	if err != nil {
		d.Checks = append(d.Checks, Check{
			Name:        "runtime",
			Detail:      fmt.Sprintf("%s --version failed: %v", runtime, err),
			Remediation: fmt.Sprintf("install Python %d.%d+ and make sure %q is on PATH, or set embedding.runtime", minPythonMajor, minPythonMinor, runtime),
			code:        errs.CodeEmbedSetupRuntimeMissing,
		})
		return d
	}

	d.RuntimeVersion = strings.TrimSpace(string(out))
	if major, minor, ok := parseVersion(d.RuntimeVersion); ok &&
		(major < minPythonMajor || (major == minPythonMajor && minor < minPythonMinor)) {
		d.Checks = append(d.Checks, Check{
			Name:        "runtime",
			Detail:      fmt.Sprintf("%s is older than %d.%d", d.RuntimeVersion, minPythonMajor, minPythonMinor),
			Remediation: fmt.Sprintf("upgrade to Python %d.%d or newer", minPythonMajor, minPythonMinor),
			code:        errs.CodeEmbedSetupRuntimeMissing,
		})
		return d
	}
	d.Checks = append(d.Checks, Check{Name: "runtime", OK: true, Detail: d.RuntimeVersion})

	for _, mod := range modules {
		out, err := runner.Run(ctx, runtime, "-c", "import "+mod)
		if err != nil {
			detail := strings.TrimSpace(string(out))
			if detail == "" {
				detail = err.Error()
			}
			d.Checks = append(d.Checks, Check{
				Name:        "module " + mod,
				Detail:      lastLine(detail),
				Remediation: fmt.Sprintf("%s -m pip install %s", runtime, mod),
				code:        errs.CodeEmbedSetupDependencyMissing,
			})
			continue
		}
		d.Checks = append(d.Checks, Check{Name: "module " + mod, OK: true})
	}

	return d
}

func parseVersion(s string) (major, minor int, ok bool) {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, false
	}
	major, _ = strconv.Atoi(m[1])
	minor, _ = strconv.Atoi(m[2])
	return major, minor, true
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}
