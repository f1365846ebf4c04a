// Package cluster wraps the client-go typed and dynamic clients with the
// namespace, workload, and Traefik IngressRoute operations the instance
// engine and reaper need.
package cluster

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/acmcyber/instancer/internal/platform"
)

const (
	// AnnotationExpires is the namespace annotation holding the UNIX-second
	// expiration timestamp; the authoritative lifecycle record.
	AnnotationExpires = "instancer.acmcyber.com/chall-expires"
	// AnnotationStartTime is the namespace annotation holding the UNIX-second
	// first-boot timestamp.
	AnnotationStartTime = "instancer.acmcyber.com/chall-start-time"
)

var ingressRouteGVR = schema.GroupVersionResource{
	Group:    "traefik.io",
	Version:  "v1alpha1",
	Resource: "ingressroutes",
}

// Client wraps the typed and dynamic client-go clients used across the
// core.
type Client struct {
	typed   kubernetes.Interface
	dynamic dynamic.Interface
}

// New wraps an already-constructed ClusterClients bundle.
func New(clients *platform.ClusterClients) *Client {
	return &Client{typed: clients.Typed, dynamic: clients.Dynamic}
}

// GetNamespace returns the namespace, or nil if it does not exist.
func (c *Client) GetNamespace(ctx context.Context, name string) (*corev1.Namespace, error) {
	ns, err := c.typed.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting namespace %q: %w", name, err)
	}
	return ns, nil
}

// CreateNamespace creates a namespace carrying the given annotations and
// labels.
func (c *Client) CreateNamespace(ctx context.Context, name string, labels, annotations map[string]string) error {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Labels:      labels,
			Annotations: annotations,
		},
	}
	if _, err := c.typed.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("creating namespace %q: %w", name, err)
	}
	return nil
}

// UpdateNamespaceAnnotations patches a namespace's annotations in place
// (used for lease renewal).
func (c *Client) UpdateNamespaceAnnotations(ctx context.Context, name string, annotations map[string]string) error {
	ns, err := c.typed.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("getting namespace %q for annotation update: %w", name, err)
	}
	if ns.Annotations == nil {
		ns.Annotations = map[string]string{}
	}
	for k, v := range annotations {
		ns.Annotations[k] = v
	}
	if _, err := c.typed.CoreV1().Namespaces().Update(ctx, ns, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("updating namespace %q annotations: %w", name, err)
	}
	return nil
}

// DeleteNamespace deletes a namespace with grace period 0. A missing
// namespace is not an error.
func (c *Client) DeleteNamespace(ctx context.Context, name string) error {
	zero := int64(0)
	err := c.typed.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{GracePeriodSeconds: &zero})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting namespace %q: %w", name, err)
	}
	return nil
}

// ListNamespaces returns every namespace on the cluster, unfiltered (used by
// the reaper's resync pass, which picks out the lifecycle annotations).
func (c *Client) ListNamespaces(ctx context.Context) ([]corev1.Namespace, error) {
	list, err := c.typed.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing namespaces: %w", err)
	}
	return list.Items, nil
}

// ApplyDeployment creates a Deployment. Only ever called against a
// namespace the engine just created, so there is no update path.
func (c *Client) ApplyDeployment(ctx context.Context, dep *appsv1.Deployment) error {
	_, err := c.typed.AppsV1().Deployments(dep.Namespace).Create(ctx, dep, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("creating deployment %q: %w", dep.Name, err)
	}
	return nil
}

// ApplyService creates a Service.
func (c *Client) ApplyService(ctx context.Context, svc *corev1.Service) error {
	_, err := c.typed.CoreV1().Services(svc.Namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("creating service %q: %w", svc.Name, err)
	}
	return nil
}

// ApplyNetworkPolicy creates a NetworkPolicy.
func (c *Client) ApplyNetworkPolicy(ctx context.Context, np *networkingv1.NetworkPolicy) error {
	_, err := c.typed.NetworkingV1().NetworkPolicies(np.Namespace).Create(ctx, np, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("creating network policy %q: %w", np.Name, err)
	}
	return nil
}

// ApplyIngressRoute creates a Traefik IngressRoute via the dynamic client.
func (c *Client) ApplyIngressRoute(ctx context.Context, route *unstructured.Unstructured) error {
	ns := route.GetNamespace()
	_, err := c.dynamic.Resource(ingressRouteGVR).Namespace(ns).Create(ctx, route, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("creating ingress route %q: %w", route.GetName(), err)
	}
	return nil
}

// ListServices returns every service in a namespace.
func (c *Client) ListServices(ctx context.Context, namespace string) ([]corev1.Service, error) {
	list, err := c.typed.CoreV1().Services(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing services in %q: %w", namespace, err)
	}
	return list.Items, nil
}

// ListIngressRoutes returns every Traefik IngressRoute in a namespace.
func (c *Client) ListIngressRoutes(ctx context.Context, namespace string) ([]unstructured.Unstructured, error) {
	list, err := c.dynamic.Resource(ingressRouteGVR).Namespace(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing ingress routes in %q: %w", namespace, err)
	}
	return list.Items, nil
}
