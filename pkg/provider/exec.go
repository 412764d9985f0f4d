package provider

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"
	"go.uber.org/zap"

	"github.com/dfein/sandbox-watchdog/pkg/werrors"
)

// RunCommand executes cmd inside the sandbox's container over the
// Kubernetes exec subresource, streaming stdout/stderr line-by-line to the
// logger tagged with step. Detached commands are launched in a goroutine
// and RunCommand returns immediately with Running=true.
func (p *K8sProvider) RunCommand(ctx context.Context, h *Handle, step string, cmd Command) (*CommandResult, error) {
	shellCmd := buildShellCommand(cmd)

	if cmd.Detached {
		go func() {
			// Detached commands outlive the tick that started them; they are
			// bounded only by the sandbox's own lifetime, so a background
			// context (not the tick's) drives the stream.
			if _, err := p.exec(context.Background(), h, step, shellCmd); err != nil {
				p.log.Warn("detached command exited with error", zap.String("step", step), zap.Error(err))
			}
		}()
		return &CommandResult{Running: true}, nil
	}

	exitCode, err := p.exec(ctx, h, step, shellCmd)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindBootstrap, fmt.Sprintf("step %q", step), err)
	}
	if exitCode != 0 {
		return &CommandResult{ExitCode: exitCode}, werrors.New(werrors.KindBootstrap, fmt.Sprintf("step %q exited %d", step, exitCode))
	}
	return &CommandResult{ExitCode: exitCode}, nil
}

func buildShellCommand(cmd Command) []string {
	var b strings.Builder
	if cmd.Cwd != "" {
		fmt.Fprintf(&b, "cd %q && ", cmd.Cwd)
	}
	for k, v := range cmd.Env {
		fmt.Fprintf(&b, "%s=%q ", k, v)
	}
	if cmd.Sudo {
		b.WriteString("sudo ")
	}
	b.WriteString(cmd.Cmd)
	for _, a := range cmd.Args {
		fmt.Fprintf(&b, " %q", a)
	}
	return []string{"/bin/sh", "-c", b.String()}
}

// lineLogger is an io.Writer that buffers and logs complete lines tagged
// with step, mirroring the bufio.Scanner-over-pipe streaming shape used for
// subprocess output elsewhere in this codebase's lineage.
type lineLogger struct {
	log    *zap.Logger
	step   string
	stream string
	buf    bytes.Buffer
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// No newline yet: push the partial line back and wait for more.
			l.buf.WriteString(line)
			break
		}
		l.log.Info("sandbox bootstrap output",
			zap.String("step", l.step), zap.String("stream", l.stream), zap.String("line", strings.TrimRight(line, "\n")))
	}
	return len(p), nil
}

func (p *K8sProvider) exec(ctx context.Context, h *Handle, step string, shellCmd []string) (int, error) {
	req := p.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(h.ID).
		Namespace(h.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: "sandbox",
			Command:   shellCmd,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(p.restConfig, "POST", req.URL())
	if err != nil {
		return -1, fmt.Errorf("building exec stream for step %q: %w", step, err)
	}

	stdout := &lineLogger{log: p.log, step: step, stream: "stdout"}
	stderr := &lineLogger{log: p.log, step: step, stream: "stderr"}

	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		if exitErr, ok := err.(interface{ ExitStatus() int }); ok {
			return exitErr.ExitStatus(), nil
		}
		return -1, fmt.Errorf("streaming exec for step %q: %w", step, err)
	}
	return 0, nil
}
