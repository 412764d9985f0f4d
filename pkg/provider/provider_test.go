package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/dfein/sandbox-watchdog/pkg/werrors"
)

func TestCreate_WaitsForRunningAndBuildsURL(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	p := NewK8sProvider(clientset, nil, ".sandboxes.example.com", nil)

	// fake.Clientset pods start in an empty phase; mark Running shortly after
	// creation so one of waitForRunning's polls observes it.
	go func() {
		for i := 0; i < 20; i++ {
			pods, _ := clientset.CoreV1().Pods("default").List(context.Background(), metav1.ListOptions{})
			if len(pods.Items) > 0 {
				pod := pods.Items[0]
				pod.Status.Phase = corev1.PodRunning
				clientset.CoreV1().Pods("default").UpdateStatus(context.Background(), &pod, metav1.UpdateOptions{})
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	h, err := p.Create(context.Background(), Spec{Port: 3000, Runtime: "node22", Image: "sandbox-runtime:latest"})
	require.NoError(t, err)
	assert.Contains(t, h.URL, ".sandboxes.example.com")
	assert.Equal(t, "default", h.Namespace)
}

func TestGet_NotFoundIsClassified(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	p := NewK8sProvider(clientset, nil, ".sandboxes.example.com", nil)

	_, err := p.Get(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.True(t, werrors.Is(err, werrors.KindNotFound))
}

func TestStop_NotFoundIsClassified(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	p := NewK8sProvider(clientset, nil, ".sandboxes.example.com", nil)

	err := p.Stop(context.Background(), &Handle{ID: "ghost", Namespace: "default"})
	require.Error(t, err)
	assert.True(t, werrors.Is(err, werrors.KindNotFound))
}

func TestStop_DeletesExistingPod(t *testing.T) {
	clientset := fake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "sbx-1", Namespace: "default"},
	})
	p := NewK8sProvider(clientset, nil, ".sandboxes.example.com", nil)

	err := p.Stop(context.Background(), &Handle{ID: "sbx-1", Namespace: "default"})
	require.NoError(t, err)

	_, getErr := clientset.CoreV1().Pods("default").Get(context.Background(), "sbx-1", metav1.GetOptions{})
	assert.Error(t, getErr)
}
