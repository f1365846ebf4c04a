// Package engine implements the instance lifecycle state machine: start
// (create-or-renew, under the distributed lock on the namespace name), stop,
// and deployment-status recovery; stop and status do not take the lock.
// Partial failures during creation
// are rolled back by deleting the namespace; the reaper is the safety net
// for rollback that itself fails.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/acmcyber/instancer/internal/telemetry"
	"github.com/acmcyber/instancer/pkg/cluster"
	"github.com/acmcyber/instancer/pkg/lock"
	"github.com/acmcyber/instancer/pkg/translator"
)

// ErrResourceUnavailable is returned when the namespace's lock is already
// held by another worker, or the namespace is in Terminating phase.
// Transient; the caller should retry.
var ErrResourceUnavailable = errors.New("engine: resource unavailable")

// applyConcurrency bounds how many workload/service/ingress-route creates
// run concurrently per Start call.
const applyConcurrency = 8

// ClusterClient is the subset of *pkg/cluster.Client the engine needs. A
// narrow interface so tests can substitute a fake cluster.
type ClusterClient interface {
	GetNamespace(ctx context.Context, name string) (*corev1.Namespace, error)
	CreateNamespace(ctx context.Context, name string, labels, annotations map[string]string) error
	UpdateNamespaceAnnotations(ctx context.Context, name string, annotations map[string]string) error
	DeleteNamespace(ctx context.Context, name string) error
	ApplyDeployment(ctx context.Context, dep *appsv1.Deployment) error
	ApplyService(ctx context.Context, svc *corev1.Service) error
	ApplyNetworkPolicy(ctx context.Context, np *networkingv1.NetworkPolicy) error
	ApplyIngressRoute(ctx context.Context, route *unstructured.Unstructured) error
	ListServices(ctx context.Context, namespace string) ([]corev1.Service, error)
	ListIngressRoutes(ctx context.Context, namespace string) ([]unstructured.Unstructured, error)
}

// Locker is the subset of *pkg/lock.Locker the engine needs.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (*lock.Handle, error)
	Release(ctx context.Context, h *lock.Handle) error
}

// Index is the subset of *pkg/stateindex.Index the engine needs.
type Index interface {
	SetExpiration(ctx context.Context, namespace string, unixSeconds int64) error
	SetBootTime(ctx context.Context, namespace string, unixSeconds int64) error
	Expiration(ctx context.Context, namespace string) (int64, bool, error)
	BootTime(ctx context.Context, namespace string) (int64, bool, error)
	RemoveNamespace(ctx context.Context, namespace string) error
	CachePortMappings(ctx context.Context, namespace string, mappings map[string]any, expiresAt time.Time) error
	GetCachedPortMappings(ctx context.Context, namespace string, dst any) (bool, error)
}

// Engine runs the instance lifecycle state machine: create, renew, stop,
// status. It is identical for shared and per-team challenges; the
// differences between the two variants live entirely in pkg/challenge.
type Engine struct {
	Cluster ClusterClient
	Lock    Locker
	Index   Index

	// LockTTL bounds how long another worker waits before assuming this
	// worker died mid-operation (default 60s).
	LockTTL time.Duration

	// IngressControllerNamespace is where the Traefik pods live; the
	// intrans network policy allows egress to it.
	IngressControllerNamespace string

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// StartInput bundles everything needed to create or renew one instance.
// Cfg's HTTP routes must already carry any per-team hostname rewriting;
// the engine applies the translator verbatim.
type StartInput struct {
	Namespace    string
	InstanceID   string
	TeamID       string // empty for shared challenges
	CommonLabels map[string]string
	Cfg          translator.Config
	Lifetime     time.Duration
}

// PortMapping is the recovered mapping for one container:port pair,
// either a NodePort-assigned TCP port or an HTTP public hostname.
type PortMapping struct {
	NodePort int32  `json:"node_port,omitempty"`
	Host     string `json:"host,omitempty"`
}

// DeploymentStatus mirrors the live state of one namespace.
type DeploymentStatus struct {
	Expiration     int64                  `json:"expiration"`
	StartTimestamp int64                  `json:"start_timestamp"`
	PortMappings   map[string]PortMapping `json:"port_mappings"`
}

// Start creates namespace if absent, or renews its lease if present and
// not terminating. All work happens under the distributed lock on the
// namespace name; Start is the sole path for both creation and renewal,
// and never attempts partial reconciliation of an existing namespace.
func (e *Engine) Start(ctx context.Context, in StartInput) error {
	handle, err := e.Lock.Acquire(ctx, in.Namespace, e.lockTTL())
	if err != nil {
		if errors.Is(err, lock.ErrAlreadyLocked) {
			telemetry.InstanceStartsTotal.WithLabelValues("unavailable").Inc()
			return ErrResourceUnavailable
		}
		return fmt.Errorf("acquiring lock for %q: %w", in.Namespace, err)
	}
	defer func() {
		if relErr := e.Lock.Release(ctx, handle); relErr != nil {
			// The TTL guarantees eventual recovery; a failed release is not
			// fatal to this call.
			_ = relErr
		}
	}()

	ns, err := e.Cluster.GetNamespace(ctx, in.Namespace)
	if err != nil {
		telemetry.InstanceStartsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("checking namespace %q: %w", in.Namespace, err)
	}

	if ns != nil {
		if ns.Status.Phase == corev1.NamespaceTerminating {
			telemetry.InstanceStartsTotal.WithLabelValues("unavailable").Inc()
			return ErrResourceUnavailable
		}
		if err := e.renew(ctx, in); err != nil {
			telemetry.InstanceStartsTotal.WithLabelValues("error").Inc()
			return err
		}
		telemetry.InstanceStartsTotal.WithLabelValues("renewed").Inc()
		return nil
	}

	if err := e.create(ctx, in); err != nil {
		telemetry.InstanceStartsTotal.WithLabelValues("error").Inc()
		return err
	}
	telemetry.InstanceStartsTotal.WithLabelValues("created").Inc()
	return nil
}

// renew replaces chall-expires in place; chall-start-time (and the
// boot_time index entry) are left untouched, preserving first-boot
// semantics across renewals.
func (e *Engine) renew(ctx context.Context, in StartInput) error {
	expiresAt := e.now().Add(in.Lifetime).Unix()

	if err := e.Cluster.UpdateNamespaceAnnotations(ctx, in.Namespace, map[string]string{
		cluster.AnnotationExpires: strconv.FormatInt(expiresAt, 10),
	}); err != nil {
		return fmt.Errorf("renewing namespace %q: %w", in.Namespace, err)
	}

	if err := e.Index.SetExpiration(ctx, in.Namespace, expiresAt); err != nil {
		return fmt.Errorf("updating expiration index for %q: %w", in.Namespace, err)
	}
	return nil
}

// create provisions a brand-new namespace: the namespace object itself,
// every container's workload and services, HTTP ingress routes, and the
// three shared network policies, then indexes the lease. Any failure
// after the namespace is created rolls back by deleting it; namespaceMade
// is the sole switch between no-cleanup and delete-namespace.
func (e *Engine) create(ctx context.Context, in StartInput) (err error) {
	now := e.now()
	expiresAt := now.Add(in.Lifetime).Unix()

	namespaceMade := false
	defer func() {
		if err != nil && namespaceMade {
			e.rollback(in.Namespace)
		}
	}()

	if err := e.Cluster.CreateNamespace(ctx, in.Namespace, in.CommonLabels, map[string]string{
		cluster.AnnotationExpires:   strconv.FormatInt(expiresAt, 10),
		cluster.AnnotationStartTime: strconv.FormatInt(now.Unix(), 10),
	}); err != nil {
		return fmt.Errorf("creating namespace %q: %w", in.Namespace, err)
	}
	namespaceMade = true

	workloads, services, routes, tErr := translator.Translate(translator.Input{
		Namespace:    in.Namespace,
		InstanceID:   in.InstanceID,
		TeamID:       in.TeamID,
		CommonLabels: in.CommonLabels,
		Cfg:          in.Cfg,
	})
	if tErr != nil {
		return fmt.Errorf("translating config for %q: %w", in.Namespace, tErr)
	}

	if err := e.applyWorkloadObjects(ctx, workloads, services, routes); err != nil {
		return err
	}

	for _, np := range translator.NetPolicies(in.Namespace, e.IngressControllerNamespace) {
		np := np
		if err := e.Cluster.ApplyNetworkPolicy(ctx, &np); err != nil {
			return fmt.Errorf("applying network policy %q for %q: %w", np.Name, in.Namespace, err)
		}
	}

	if err := e.Index.SetExpiration(ctx, in.Namespace, expiresAt); err != nil {
		return fmt.Errorf("indexing expiration for %q: %w", in.Namespace, err)
	}
	if err := e.Index.SetBootTime(ctx, in.Namespace, now.Unix()); err != nil {
		return fmt.Errorf("indexing boot_time for %q: %w", in.Namespace, err)
	}

	return nil
}

// applyWorkloadObjects creates every per-container deployment, service, and
// ingress route concurrently, grounded on the errgroup fan-out pattern used
// for namespace teardown elsewhere in the pack.
func (e *Engine) applyWorkloadObjects(ctx context.Context, workloads []appsv1.Deployment, services []corev1.Service, routes []*unstructured.Unstructured) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(applyConcurrency)

	for i := range workloads {
		dep := &workloads[i]
		g.Go(func() error {
			if err := e.Cluster.ApplyDeployment(gCtx, dep); err != nil {
				return fmt.Errorf("applying deployment %q: %w", dep.Name, err)
			}
			return nil
		})
	}
	for i := range services {
		svc := &services[i]
		g.Go(func() error {
			if err := e.Cluster.ApplyService(gCtx, svc); err != nil {
				return fmt.Errorf("applying service %q: %w", svc.Name, err)
			}
			return nil
		})
	}
	for _, route := range routes {
		route := route
		g.Go(func() error {
			if err := e.Cluster.ApplyIngressRoute(gCtx, route); err != nil {
				return fmt.Errorf("applying ingress route %q: %w", route.GetName(), err)
			}
			return nil
		})
	}

	return g.Wait()
}

// rollback deletes a namespace created earlier in this Start call and clears
// its index entries. It is best-effort: a failure here is left for the
// reaper's resync to reconcile.
func (e *Engine) rollback(namespace string) {
	telemetry.RollbacksTotal.Inc()
	ctx := context.Background()
	_ = e.Cluster.DeleteNamespace(ctx, namespace)
	_ = e.Index.RemoveNamespace(ctx, namespace)
}

// Stop best-effort deletes namespace and unconditionally clears its index
// entries. A missing namespace is not an error.
func (e *Engine) Stop(ctx context.Context, namespace string) error {
	delErr := e.Cluster.DeleteNamespace(ctx, namespace)
	if delErr == nil {
		telemetry.InstanceStopsTotal.Inc()
	}
	if err := e.Index.RemoveNamespace(ctx, namespace); err != nil {
		return fmt.Errorf("removing index entries for %q: %w", namespace, err)
	}
	if delErr != nil {
		return fmt.Errorf("deleting namespace %q: %w", namespace, delErr)
	}
	return nil
}

// DeploymentStatus returns the live status for namespace, or nil if it is
// not in the expiration index. challengeBootTime is the challenge
// definition's configured boot delay; nil falls back to 1 second for
// legacy rows missing the field.
func (e *Engine) DeploymentStatus(ctx context.Context, namespace string, challengeBootTime *int64) (*DeploymentStatus, error) {
	expiresAt, ok, err := e.Index.Expiration(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("reading expiration for %q: %w", namespace, err)
	}
	if !ok {
		return nil, nil
	}

	bootUnix, _, err := e.Index.BootTime(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("reading boot_time for %q: %w", namespace, err)
	}

	bootDelay := int64(1)
	if challengeBootTime != nil {
		bootDelay = *challengeBootTime
	}

	status := &DeploymentStatus{
		Expiration:     expiresAt,
		StartTimestamp: bootUnix + bootDelay,
	}

	var cached map[string]PortMapping
	hit, err := e.Index.GetCachedPortMappings(ctx, namespace, &cached)
	if err != nil {
		return nil, fmt.Errorf("reading port-mapping cache for %q: %w", namespace, err)
	}
	if hit {
		status.PortMappings = cached
		return status, nil
	}

	mappings, err := e.recomputePortMappings(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("recomputing port mappings for %q: %w", namespace, err)
	}
	status.PortMappings = mappings

	asAny := make(map[string]any, len(mappings))
	for k, v := range mappings {
		asAny[k] = v
	}
	expiresAtTime := time.Unix(expiresAt, 0)
	if err := e.Index.CachePortMappings(ctx, namespace, asAny, expiresAtTime); err != nil {
		return nil, fmt.Errorf("caching port mappings for %q: %w", namespace, err)
	}

	return status, nil
}

// recomputePortMappings lists services (NodePort assignments) and ingress
// routes (decoding the raw-routes annotation, the source of truth for HTTP
// hostnames) to rebuild the port-mapping snapshot from scratch.
func (e *Engine) recomputePortMappings(ctx context.Context, namespace string) (map[string]PortMapping, error) {
	mappings := map[string]PortMapping{}

	services, err := e.Cluster.ListServices(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("listing services: %w", err)
	}
	for _, svc := range services {
		if svc.Spec.Type != corev1.ServiceTypeNodePort {
			continue
		}
		container := svc.Labels[translator.LabelContainer]
		for _, p := range svc.Spec.Ports {
			if p.NodePort == 0 {
				continue
			}
			key := fmt.Sprintf("%s:%d", container, p.Port)
			mappings[key] = PortMapping{NodePort: p.NodePort}
		}
	}

	routes, err := e.Cluster.ListIngressRoutes(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("listing ingress routes: %w", err)
	}
	for _, route := range routes {
		container := route.GetLabels()[translator.LabelContainer]
		raw, found, nErr := unstructured.NestedString(route.Object, "metadata", "annotations", translator.AnnotationRoutes)
		if nErr != nil || !found {
			continue
		}
		var pairs [][2]any
		if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
			continue
		}
		for _, pair := range pairs {
			portF, ok := pair[0].(float64)
			if !ok {
				continue
			}
			host, ok := pair[1].(string)
			if !ok {
				continue
			}
			key := fmt.Sprintf("%s:%d", container, int(portF))
			mappings[key] = PortMapping{Host: host}
		}
	}

	return mappings, nil
}

func (e *Engine) lockTTL() time.Duration {
	if e.LockTTL <= 0 {
		return 60 * time.Second
	}
	return e.LockTTL
}
