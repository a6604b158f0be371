package repo

import (
	"bytes"
	"context"
	"os/exec"
)

// ExecRunner runs the real git binary.
type ExecRunner struct{}

// Run executes git with the given args in dir (or cwd if empty) and
// returns captured stdout and stderr. Non-zero exit surfaces as err with
// stderr still populated.
func (r *ExecRunner) Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "git", args...) //nolint:gosec // args are config-driven, not user input
	if dir != "" {
		cmd.Dir = dir
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}
