package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	ranSteps  []string
	failStep  string
	stopped   bool
}

func (f *fakeProvider) Create(ctx context.Context, spec Spec) (*Handle, error) { return nil, nil }
func (f *fakeProvider) Get(ctx context.Context, id string) (*Handle, error)    { return nil, nil }

func (f *fakeProvider) Stop(ctx context.Context, h *Handle) error {
	f.stopped = true
	return nil
}

func (f *fakeProvider) RunCommand(ctx context.Context, h *Handle, step string, cmd Command) (*CommandResult, error) {
	f.ranSteps = append(f.ranSteps, step)
	if step == f.failStep {
		return nil, assertError(step)
	}
	if cmd.Detached {
		return &CommandResult{Running: true}, nil
	}
	return &CommandResult{ExitCode: 0}, nil
}

func assertError(step string) error { return &stepError{step} }

type stepError struct{ step string }

func (e *stepError) Error() string { return "step failed: " + e.step }

func TestBootstrap_RunsAllStepsInOrder(t *testing.T) {
	fp := &fakeProvider{}
	h := &Handle{ID: "sbx-1", URL: "https://sbx-1.example"}

	err := Bootstrap(context.Background(), fp, h, BootstrapSpec{
		Repo: "https://github.com/acme/next-app", Ref: "main", Workdir: "/tmp/app", Port: 3000,
		KeepaliveToken: "tok",
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, []string{
		"rm-workdir", "mkdir-workdir", "git-clone", "corepack-enable",
		"pnpm-install", "pnpm-build", "pnpm-start",
	}, fp.ranSteps)
	assert.False(t, fp.stopped)
}

func TestBootstrap_StopsPartialSandboxOnFailure(t *testing.T) {
	fp := &fakeProvider{failStep: "pnpm-build"}
	h := &Handle{ID: "sbx-1", URL: "https://sbx-1.example"}

	err := Bootstrap(context.Background(), fp, h, BootstrapSpec{
		Repo: "https://github.com/acme/next-app", Ref: "main", Workdir: "/tmp/app", Port: 3000,
	}, nil)

	require.Error(t, err)
	assert.True(t, fp.stopped)
	assert.NotContains(t, fp.ranSteps, "pnpm-start")
}
