// Package kube wraps client-go for runtimes that execute as Kubernetes Jobs.
package kube

import (
	"context"
	"fmt"

	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

// Label keys set on every object the SDK creates.
const (
	LabelRun       = "digitalhub.io/run"
	LabelRuntime   = "digitalhub.io/runtime"
	LabelProject   = "digitalhub.io/project"
	LabelManagedBy = "app.kubernetes.io/managed-by"

	ManagedBy = "dhsdk"
)

// Config configures the Kubernetes client.
type Config struct {
	// Kubeconfig is the kubeconfig path. In-cluster configuration is used
	// when empty.
	Kubeconfig string

	Namespace string

	// ServiceAccount runs job pods under the named account when set.
	ServiceAccount string
}

// Client creates and observes Jobs in one namespace.
type Client struct {
	cs             k8s.Interface
	namespace      string
	serviceAccount string
}

// New creates a client from cfg. It performs no I/O.
func New(cfg Config) (*Client, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if cfg.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes configuration: %w", err)
	}

	cs, err := k8s.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return NewFromClientset(cs, cfg.Namespace, cfg.ServiceAccount), nil
}

// NewFromClientset wraps an existing clientset, e.g. a fake one.
func NewFromClientset(cs k8s.Interface, namespace, serviceAccount string) *Client {
	if namespace == "" {
		namespace = kubecore.NamespaceDefault
	}
	return &Client{cs: cs, namespace: namespace, serviceAccount: serviceAccount}
}

// Namespace returns the namespace jobs are created in.
func (c *Client) Namespace() string {
	return c.namespace
}

// Clientset exposes the underlying clientset.
func (c *Client) Clientset() k8s.Interface {
	return c.cs
}

// Ping checks the API server connection.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cs.Discovery().ServerVersion(); err != nil {
		return Classify("ping", err)
	}
	return nil
}

// ApplyConfigMap creates or replaces a ConfigMap holding files.
func (c *Client) ApplyConfigMap(ctx context.Context, name string, files, labels map[string]string) error {
	cm := &kubecore.ConfigMap{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:      name,
			Namespace: c.namespace,
			Labels:    withManagedBy(labels),
		},
		Data: files,
	}

	cms := c.cs.CoreV1().ConfigMaps(c.namespace)
	_, err := cms.Create(ctx, cm, kubeapimeta.CreateOptions{})
	if kubeerr.IsAlreadyExists(err) {
		err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
			current, err := cms.Get(ctx, name, kubeapimeta.GetOptions{})
			if err != nil {
				return err
			}
			current.Data = files
			current.Labels = cm.Labels
			_, err = cms.Update(ctx, current, kubeapimeta.UpdateOptions{})
			return err
		})
	}
	if err != nil {
		return Classify("apply configmap "+name, err)
	}
	return nil
}

// ApplySecret creates or replaces an Opaque Secret holding data.
func (c *Client) ApplySecret(ctx context.Context, name string, data, labels map[string]string) error {
	values := make(map[string][]byte, len(data))
	for k, v := range data {
		values[k] = []byte(v)
	}
	secret := &kubecore.Secret{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:      name,
			Namespace: c.namespace,
			Labels:    withManagedBy(labels),
		},
		Type: kubecore.SecretTypeOpaque,
		Data: values,
	}

	secrets := c.cs.CoreV1().Secrets(c.namespace)
	_, err := secrets.Create(ctx, secret, kubeapimeta.CreateOptions{})
	if kubeerr.IsAlreadyExists(err) {
		err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
			current, err := secrets.Get(ctx, name, kubeapimeta.GetOptions{})
			if err != nil {
				return err
			}
			current.Data = values
			current.Labels = secret.Labels
			_, err = secrets.Update(ctx, current, kubeapimeta.UpdateOptions{})
			return err
		})
	}
	if err != nil {
		return Classify("apply secret "+name, err)
	}
	return nil
}

// DeleteConfigMap deletes a ConfigMap. Deleting a missing one succeeds.
func (c *Client) DeleteConfigMap(ctx context.Context, name string) error {
	err := c.cs.CoreV1().ConfigMaps(c.namespace).Delete(ctx, name, kubeapimeta.DeleteOptions{})
	if err != nil && !kubeerr.IsNotFound(err) {
		return Classify("delete configmap "+name, err)
	}
	return nil
}

// Classify maps API errors to the engine taxonomy: missing objects are
// NOT_FOUND, refused requests are REJECTED_BY_BACKEND and everything else
// is BACKEND_UNAVAILABLE.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := "kubernetes " + op + " failed"
	switch {
	case kubeerr.IsNotFound(err):
		return engine.NewNotFoundError("kubernetes object", op).WithDetail("cause", err.Error())
	case kubeerr.IsInvalid(err), kubeerr.IsBadRequest(err), kubeerr.IsForbidden(err),
		kubeerr.IsUnauthorized(err), kubeerr.IsAlreadyExists(err), kubeerr.IsMethodNotSupported(err):
		return engine.NewRejectedByBackendError(msg, err)
	default:
		return engine.NewBackendUnavailableError(msg, err)
	}
}

func withManagedBy(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out[LabelManagedBy] = ManagedBy
	return out
}
