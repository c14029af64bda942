package download

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

// DefaultTool is the external downloader invoked when none is configured.
const DefaultTool = "wget"

// ExternalTool delegates the transfer to a wget compatible binary with a rate
// limit and no-clobber semantics.
type ExternalTool struct {
	binary         string
	bytesPerSecond int64
}

var _ Fetcher = (*ExternalTool)(nil)

// NewExternalTool creates a fetcher running binary (DefaultTool when empty).
func NewExternalTool(binary string, bytesPerSecond int64) *ExternalTool {
	if binary == "" {
		binary = DefaultTool
	}
	return &ExternalTool{binary: binary, bytesPerSecond: bytesPerSecond}
}

// Name identifies the strategy.
func (x *ExternalTool) Name() string { return "external-tool" }

// Args returns the command line used for url and dest.
func (x *ExternalTool) Args(url, dest string) []string {
	args := []string{"-nc", "-q"}
	if x.bytesPerSecond > 0 {
		args = append(args, "--limit-rate="+strconv.FormatInt(x.bytesPerSecond, 10))
	}
	return append(args, "-O", dest, url)
}

// Fetch runs the tool; output is only surfaced on failure.
func (x *ExternalTool) Fetch(ctx context.Context, url, dest string) error {
	cmd := exec.CommandContext(ctx, x.binary, x.Args(url, dest)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", x.binary, err, bytes.TrimSpace(out.Bytes()))
	}
	return nil
}
