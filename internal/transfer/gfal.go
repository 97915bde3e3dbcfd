package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Tools names the gfal2 command-line utilities.
type Tools struct {
	Copy   string `mapstructure:"copy"`
	List   string `mapstructure:"list"`
	Remove string `mapstructure:"remove"`
	Xattr  string `mapstructure:"xattr"`
}

// DefaultTools returns the standard gfal2-util command names.
func DefaultTools() Tools {
	return Tools{
		Copy:   "gfal-copy",
		List:   "gfal-ls",
		Remove: "gfal-rm",
		Xattr:  "gfal-xattr",
	}
}

// waitDelay bounds how long output pipes are drained after the process
// group has been killed.
const waitDelay = 2 * time.Second

// Gfal implements Client by running gfal2 utilities. Each invocation runs in
// its own process group, which is killed as a whole when ctx ends.
type Gfal struct {
	tools Tools
}

// NewGfal returns a client using tools. Empty tool names fall back to the
// defaults.
func NewGfal(tools Tools) *Gfal {
	def := DefaultTools()
	if tools.Copy == "" {
		tools.Copy = def.Copy
	}
	if tools.List == "" {
		tools.List = def.List
	}
	if tools.Remove == "" {
		tools.Remove = def.Remove
	}
	if tools.Xattr == "" {
		tools.Xattr = def.Xattr
	}
	return &Gfal{tools: tools}
}

func (g *Gfal) Put(ctx context.Context, localPath, remoteURL string, opts Options) error {
	args := append(commonArgs(opts), "-f")
	if opts.SpaceToken != "" {
		args = append(args, "-S", opts.SpaceToken)
	}
	args = append(args, fileURL(localPath), remoteURL)
	_, err := g.run(ctx, "put", remoteURL, g.tools.Copy, args...)
	return err
}

func (g *Gfal) Get(ctx context.Context, remoteURL, localPath string, opts Options) error {
	args := append(commonArgs(opts), "-f", remoteURL, fileURL(localPath))
	_, err := g.run(ctx, "get", remoteURL, g.tools.Copy, args...)
	return err
}

func (g *Gfal) Delete(ctx context.Context, remoteURL string, opts Options) error {
	args := append(commonArgs(opts), remoteURL)
	_, err := g.run(ctx, "delete", remoteURL, g.tools.Remove, args...)
	return err
}

func (g *Gfal) List(ctx context.Context, urls []string, opts Options) ([]ListStatus, error) {
	statuses := make([]ListStatus, 0, len(urls))
	for _, u := range urls {
		args := append(commonArgs(opts), "-d", u)
		_, err := g.run(ctx, "list", u, g.tools.List, args...)
		if err != nil {
			var opErr *OpError
			if !errors.As(err, &opErr) || ctx.Err() != nil || errors.Is(err, exec.ErrNotFound) {
				return statuses, err
			}
			statuses = append(statuses, ListStatus{URL: u, Explanation: opErr.Text()})
			continue
		}
		statuses = append(statuses, ListStatus{URL: u})
	}
	return statuses, nil
}

func (g *Gfal) ResolveTURL(ctx context.Context, remoteURL string, protocols []string, opts Options) (string, error) {
	args := commonArgs(opts)
	if len(protocols) > 0 {
		args = append(args, "-D", "SRM PLUGIN:TURL_PROTOCOLS="+strings.Join(protocols, ";"))
	}
	args = append(args, remoteURL, "user.replicas")
	out, err := g.run(ctx, "getturl", remoteURL, g.tools.Xattr, args...)
	if err != nil {
		return "", err
	}
	turl := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	if turl == "" {
		return "", &OpError{Op: "getturl", URL: remoteURL, Message: "no transport URL returned"}
	}
	return turl, nil
}

func commonArgs(opts Options) []string {
	var args []string
	if opts.Timeout > 0 {
		secs := int(opts.Timeout / time.Second)
		if secs < 1 {
			secs = 1
		}
		args = append(args, "-t", strconv.Itoa(secs))
	}
	return args
}

func fileURL(path string) string {
	if strings.Contains(path, "://") {
		return path
	}
	return "file://" + path
}

// run executes name with args and returns stdout. Failures are *OpError;
// ExitCode is -1 when the process could not be started or did not exit on
// its own.
func (g *Gfal) run(ctx context.Context, op, url, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	slog.Debug("storage command finished",
		"op", op,
		"url", url,
		"command", name,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err,
	)
	if err == nil {
		return stdout.String(), nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", &OpError{Op: op, URL: url, ExitCode: -1, Err: ctxErr}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg == "" {
			msg = fmt.Sprintf("%s exited with code %d", name, exitErr.ExitCode())
		}
		return "", &OpError{Op: op, URL: url, ExitCode: exitErr.ExitCode(), Message: msg, Err: err}
	}
	return "", &OpError{Op: op, URL: url, ExitCode: -1, Err: fmt.Errorf("run %s: %w", name, err)}
}
