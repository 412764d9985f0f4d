// Package provider implements the Sandbox Provider (C2): create, inspect,
// stop, and exec into sandbox instances. Instances are modeled as bare
// Kubernetes Pods addressed directly through client-go — there is no
// operator, CRD, or reconcile loop here, only imperative lifecycle calls.
package provider

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"go.uber.org/zap"

	"github.com/dfein/sandbox-watchdog/pkg/werrors"
)

// Credentials are passed through to a provisioned sandbox so its bootstrap
// step can authenticate against the hosting platform.
type Credentials struct {
	VercelToken     string
	VercelTeamID    string
	VercelProjectID string
}

// Spec describes a sandbox to provision.
type Spec struct {
	Port        int
	Runtime     string // e.g. "node22"
	MaxLifetime time.Duration
	Credentials Credentials
	Namespace   string
	Image       string
}

// Handle is a resolved reference to a running sandbox instance.
type Handle struct {
	ID        string
	URL       string
	Namespace string
}

// Provider is the C2 contract.
type Provider interface {
	Create(ctx context.Context, spec Spec) (*Handle, error)
	Get(ctx context.Context, id string) (*Handle, error)
	Stop(ctx context.Context, h *Handle) error
	RunCommand(ctx context.Context, h *Handle, step string, cmd Command) (*CommandResult, error)
}

// Command describes one RunCommand invocation.
type Command struct {
	Cmd      string
	Args     []string
	Cwd      string
	Env      map[string]string
	Sudo     bool
	Detached bool
}

// CommandResult is the outcome of a non-detached RunCommand.
type CommandResult struct {
	ExitCode int
	Running  bool // true for detached commands, which return immediately
}

const (
	labelManagedBy = "sandbox-watchdog/managed-by"
	managedByValue = "sandbox-watchdog"
	annotationTTL  = "sandbox-watchdog/max-lifetime-ms"
)

// K8sProvider implements Provider against a Kubernetes cluster's core Pod
// API, generalizing the teacher's Pod-lifecycle reconciliation into direct,
// imperative create/get/delete calls with no watch loop.
type K8sProvider struct {
	clientset   kubernetes.Interface
	restConfig  *rest.Config
	hostSuffix  string // e.g. ".sandboxes.example.com" used to compose a URL from a pod name
	listenPort  int
	log         *zap.Logger
}

// NewK8sProvider builds a K8sProvider. restConfig is also retained for
// RunCommand, which needs it to build a SPDY executor against the Pod's
// exec subresource.
func NewK8sProvider(clientset kubernetes.Interface, restConfig *rest.Config, hostSuffix string, log *zap.Logger) *K8sProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &K8sProvider{clientset: clientset, restConfig: restConfig, hostSuffix: hostSuffix, log: log}
}

// Create starts a bare Pod running the sandbox runtime image with the
// listening port, credentials, and a deletion-hint annotation carrying
// ROTATION_INTERVAL_MS (spec §4.2).
func (p *K8sProvider) Create(ctx context.Context, spec Spec) (*Handle, error) {
	ns := spec.Namespace
	if ns == "" {
		ns = "default"
	}
	name := fmt.Sprintf("sbx-%d", time.Now().UnixNano())

	env := []corev1.EnvVar{
		{Name: "PORT", Value: fmt.Sprintf("%d", spec.Port)},
		{Name: "SANDBOX_RUNTIME", Value: spec.Runtime},
	}
	if spec.Credentials.VercelToken != "" {
		env = append(env,
			corev1.EnvVar{Name: "VERCEL_TOKEN", Value: spec.Credentials.VercelToken},
			corev1.EnvVar{Name: "VERCEL_TEAM_ID", Value: spec.Credentials.VercelTeamID},
			corev1.EnvVar{Name: "VERCEL_PROJECT_ID", Value: spec.Credentials.VercelProjectID},
		)
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: ns,
			Labels:    map[string]string{labelManagedBy: managedByValue},
			Annotations: map[string]string{
				annotationTTL: fmt.Sprintf("%d", spec.MaxLifetime.Milliseconds()),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:  "sandbox",
				Image: spec.Image,
				Ports: []corev1.ContainerPort{{ContainerPort: int32(spec.Port)}},
				Env:   env,
				Command: []string{"sleep", "infinity"}, // bootstrap drives the real app via RunCommand
			}},
		},
	}

	created, err := p.clientset.CoreV1().Pods(ns).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, werrors.Wrap(werrors.KindProvider, fmt.Sprintf("creating sandbox pod %s/%s", ns, name), err)
	}

	if err := p.waitForRunning(ctx, ns, created.Name); err != nil {
		return nil, werrors.Wrap(werrors.KindProvider, fmt.Sprintf("waiting for pod %s/%s to run", ns, created.Name), err)
	}

	h := &Handle{ID: created.Name, Namespace: ns, URL: p.urlFor(created.Name)}
	p.log.Info("sandbox pod created", zap.String("id", h.ID), zap.String("url", h.URL))
	return h, nil
}

func (p *K8sProvider) waitForRunning(ctx context.Context, ns, name string) error {
	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		pod, err := p.clientset.CoreV1().Pods(ns).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		if pod.Status.Phase == corev1.PodRunning {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("pod %s/%s did not reach Running within deadline", ns, name)
}

func (p *K8sProvider) urlFor(podName string) string {
	return fmt.Sprintf("https://%s%s", podName, p.hostSuffix)
}

// Get resolves an existing instance by id (pod name). The namespace is
// assumed "default" when not tracked elsewhere; callers that already hold a
// Handle should prefer reusing it over calling Get again.
func (p *K8sProvider) Get(ctx context.Context, id string) (*Handle, error) {
	ns := "default"
	pod, err := p.clientset.CoreV1().Pods(ns).Get(ctx, id, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, werrors.Wrap(werrors.KindNotFound, fmt.Sprintf("sandbox %s", id), err)
		}
		return nil, werrors.Wrap(werrors.KindProvider, fmt.Sprintf("getting sandbox %s", id), err)
	}
	return &Handle{ID: pod.Name, Namespace: pod.Namespace, URL: p.urlFor(pod.Name)}, nil
}

// Stop deletes the Pod. A 404 is mapped to the NotFound error kind so the
// rotation controller can treat "already gone" as success rather than a
// retryable failure.
func (p *K8sProvider) Stop(ctx context.Context, h *Handle) error {
	ns := h.Namespace
	if ns == "" {
		ns = "default"
	}
	err := p.clientset.CoreV1().Pods(ns).Delete(ctx, h.ID, metav1.DeleteOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return werrors.Wrap(werrors.KindNotFound, fmt.Sprintf("sandbox %s already gone", h.ID), err)
		}
		return werrors.Wrap(werrors.KindProvider, fmt.Sprintf("stopping sandbox %s", h.ID), err)
	}
	return nil
}
