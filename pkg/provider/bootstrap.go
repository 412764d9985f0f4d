package provider

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// BootstrapSpec carries the parameters the bootstrap sequence needs beyond
// what Create already baked into the Pod.
type BootstrapSpec struct {
	Repo           string
	Ref            string
	Workdir        string
	Port           int
	KeepaliveToken string
	SelfURL        string
}

// Bootstrap runs the clone/build/start sequence inside a freshly created
// sandbox (spec §4.2 steps 1–7). If any non-detached step fails, the
// partial sandbox is stopped best-effort and the original error is
// returned.
func Bootstrap(ctx context.Context, p Provider, h *Handle, spec BootstrapSpec, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	steps := []struct {
		name string
		cmd  Command
	}{
		{"rm-workdir", Command{Cmd: "rm", Args: []string{"-rf", spec.Workdir}}},
		{"mkdir-workdir", Command{Cmd: "mkdir", Args: []string{"-p", spec.Workdir}}},
		{"git-clone", Command{Cmd: "git", Args: []string{
			"clone", "--branch", spec.Ref, "--single-branch", "--depth", "1", spec.Repo, spec.Workdir,
		}}},
		{"corepack-enable", Command{Cmd: "corepack", Args: []string{"enable"}, Sudo: true}},
		{"pnpm-install", Command{Cmd: "pnpm", Args: []string{"install", "--no-frozen-lockfile"}, Cwd: spec.Workdir}},
		{"pnpm-build", Command{
			Cmd: "pnpm", Args: []string{"--filter", "next-app", "build"}, Cwd: spec.Workdir,
			Env: map[string]string{"NEXT_APP_SKIP_MONITORING_ROUTES": "true"},
		}},
	}

	for _, step := range steps {
		if _, err := p.RunCommand(ctx, h, step.name, step.cmd); err != nil {
			log.Warn("bootstrap step failed, stopping partial sandbox", zap.String("step", step.name), zap.Error(err))
			if stopErr := p.Stop(context.Background(), h); stopErr != nil {
				log.Warn("best-effort stop of partial sandbox failed", zap.String("id", h.ID), zap.Error(stopErr))
			}
			return err
		}
	}

	startEnv := map[string]string{
		"PORT":                            fmt.Sprintf("%d", spec.Port),
		"KEEPALIVE_TOKEN":                 spec.KeepaliveToken,
		"SANDBOX_APP_REPO":                spec.Repo,
		"SANDBOX_APP_REF":                 spec.Ref,
		"SANDBOX_SELF_URL":                h.URL,
		"NEXT_APP_SKIP_MONITORING_ROUTES": "true",
		"NODE_ENV":                        "production",
	}
	if spec.SelfURL != "" {
		startEnv["SANDBOX_SELF_URL"] = spec.SelfURL
	}

	// The start step is detached: it must outlive this bootstrap call.
	if _, err := p.RunCommand(ctx, h, "pnpm-start", Command{
		Cmd: "pnpm", Args: []string{"--filter", "next-app", "start"}, Cwd: spec.Workdir,
		Env: startEnv, Detached: true,
	}); err != nil {
		log.Warn("bootstrap start step failed, stopping partial sandbox", zap.Error(err))
		if stopErr := p.Stop(context.Background(), h); stopErr != nil {
			log.Warn("best-effort stop of partial sandbox failed", zap.String("id", h.ID), zap.Error(stopErr))
		}
		return err
	}

	return nil
}
