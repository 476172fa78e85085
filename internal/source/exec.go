package source

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/cmdvec/internal/errs"
)

// DefaultExportTimeout bounds one run of the export command.
const DefaultExportTimeout = 2 * time.Minute

// ExecSource runs an external export command that prints the records as a
// JSON document on stdout. This is how the template management application
// hands its command catalogue to the indexer.
type ExecSource struct {
	command []string
	timeout time.Duration
}

// NewExecSource creates an ExecSource for the given argv.
func NewExecSource(command []string, timeout time.Duration) *ExecSource {
	if timeout <= 0 {
		timeout = DefaultExportTimeout
	}
	return &ExecSource{
		command: command,
		timeout: timeout,
	}
}

// Name returns the source name.
func (e *ExecSource) Name() string {
	if len(e.command) == 0 {
		return "exec"
	}
	return "exec:" + e.command[0]
}

// ListCommands runs the command and decodes its output.
func (e *ExecSource) ListCommands(ctx context.Context) ([]CommandRecord, error) {
	if len(e.command) == 0 {
		return nil, errs.New(errs.CodeSourceReadFailure, "export command is empty")
	}

	if _, err := exec.LookPath(e.command[0]); err != nil {
		return nil, errs.Wrap(err, errs.CodeSourceReadFailure,
			fmt.Sprintf("export command %q not found", e.command[0]))
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.command[0], e.command[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, errs.Wrap(err, errs.CodeSourceReadFailure, "export command failed",
			errs.Field("command", strings.Join(e.command, " ")),
			errs.Field("stderr", strings.TrimSpace(stderr.String())))
	}

	records, err := decodeJSON(stdout.Bytes())
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeSourceParseInvalidFormat, "decode export output",
			errs.Field("command", strings.Join(e.command, " ")))
	}
	return normalize(records), nil
}
