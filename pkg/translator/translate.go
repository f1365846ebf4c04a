package translator

import (
	"encoding/json"
	"fmt"
	"sort"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// LabelPrefix namespaces every instancer-owned label/annotation key.
const LabelPrefix = "instancer.acmcyber.com/"

const (
	labelInstanceID   = LabelPrefix + "instance-id"
	labelContainer    = LabelPrefix + "container-name"
	labelHasIngress   = LabelPrefix + "has-ingress"
	labelHasEgress    = LabelPrefix + "has-egress"
	labelTeamID       = LabelPrefix + "team-id"
	annotationStarted = LabelPrefix + "chall-started"
	annotationRoutes  = LabelPrefix + "raw-routes"
)

// LabelContainer and AnnotationRoutes are exported for the engine, which
// needs them to recover port mappings from live cluster objects.
const (
	LabelContainer   = labelContainer
	AnnotationRoutes = annotationRoutes
)

// defaultLimits/Requests are applied when a container spec omits resources.
var (
	defaultLimits = corev1.ResourceList{
		corev1.ResourceCPU:    resource.MustParse("500m"),
		corev1.ResourceMemory: resource.MustParse("512Mi"),
	}
	defaultRequests = corev1.ResourceList{
		corev1.ResourceCPU:    resource.MustParse("50m"),
		corev1.ResourceMemory: resource.MustParse("64Mi"),
	}
)

// Input bundles the instance-specific context needed to translate a Config
// into concrete cluster payloads.
type Input struct {
	Namespace    string
	InstanceID   string
	TeamID       string // empty for shared challenges
	CommonLabels map[string]string
	Cfg          Config
}

// instancerMetadata is the JSON payload injected as INSTANCER_METADATA.
type instancerMetadata struct {
	Namespace     string                       `json:"namespace"`
	InstanceID    string                       `json:"instance_id"`
	ContainerName string                       `json:"container_name"`
	HTTP          map[string]map[string]string `json:"http"`
	TeamID        string                       `json:"team_id,omitempty"`
}

// Translate produces the workload, service, and ingress-route payloads for
// every container in in.Cfg. Network policies are produced separately by
// NetPolicies since they are namespace-scoped, not per-container.
func Translate(in Input) ([]appsv1.Deployment, []corev1.Service, []*unstructured.Unstructured, error) {
	ids := sortedContainerIDs(in.Cfg.Containers)

	var workloads []appsv1.Deployment
	var services []corev1.Service
	var routes []*unstructured.Unstructured

	for _, name := range ids {
		spec := in.Cfg.Containers[name]

		if !validContainerID(name) {
			return nil, nil, nil, fmt.Errorf("%w: invalid container id %q", ErrNotSupported, name)
		}
		if err := spec.unsupportedFields(); err != nil {
			return nil, nil, nil, fmt.Errorf("container %q: %w", name, err)
		}

		httpRoutes := in.Cfg.HTTP[name]
		hasIngress := len(httpRoutes) > 0
		tcpPorts := in.Cfg.TCP[name]
		if len(tcpPorts) > 0 {
			hasIngress = true
		}

		workload, err := buildWorkload(in, name, spec, hasIngress)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("container %q: %w", name, err)
		}
		workloads = append(workloads, workload)

		svcs, err := buildServices(in, name, spec, tcpPorts)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("container %q: %w", name, err)
		}
		services = append(services, svcs...)

		if hasIngress && len(httpRoutes) > 0 {
			route, err := buildIngressRoute(in, name, httpRoutes)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("container %q: %w", name, err)
			}
			routes = append(routes, route)
		}
	}

	return workloads, services, routes, nil
}

func sortedContainerIDs(containers map[string]ContainerSpec) []string {
	ids := make([]string, 0, len(containers))
	for id := range containers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func buildWorkload(in Input, name string, spec ContainerSpec, hasIngress bool) (appsv1.Deployment, error) {
	labels := make(map[string]string, len(in.CommonLabels)+4)
	for k, v := range in.CommonLabels {
		labels[k] = v
	}
	hasEgress := true
	if spec.HasEgress != nil {
		hasEgress = *spec.HasEgress
	}
	labels[labelInstanceID] = in.InstanceID
	labels[labelContainer] = name
	labels[labelHasIngress] = boolString(hasIngress)
	labels[labelHasEgress] = boolString(hasEgress)
	if in.TeamID != "" {
		labels[labelTeamID] = in.TeamID
	}

	env, err := buildEnv(in, name, spec)
	if err != nil {
		return appsv1.Deployment{}, err
	}

	ports := buildPorts(spec)

	resources := corev1.ResourceRequirements{
		Limits:   defaultLimits,
		Requests: defaultRequests,
	}
	if spec.Resources != nil {
		resources = *spec.Resources
	}

	container := corev1.Container{
		Name:                     name,
		Image:                    spec.Image,
		Args:                     spec.Args,
		Command:                  spec.Command,
		ImagePullPolicy:          corev1.PullPolicy(spec.ImagePullPolicy),
		Stdin:                    spec.Stdin,
		StdinOnce:                spec.StdinOnce,
		TerminationMessagePath:   spec.TerminationMessagePath,
		TerminationMessagePolicy: corev1.TerminationMessagePolicy(spec.TerminationMessagePolicy),
		TTY:                      spec.TTY,
		WorkingDir:               spec.WorkingDir,
		Env:                      env,
		Ports:                    ports,
		SecurityContext:          spec.SecurityContext,
		Resources:                resources,
	}

	zero := int64(0)
	automount := false
	replicas := int32(1)

	dep := appsv1.Deployment{
		TypeMeta: metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: in.Namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{labelContainer: name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      labels,
					Annotations: map[string]string{annotationStarted: "true"},
				},
				Spec: corev1.PodSpec{
					Containers:                   []corev1.Container{container},
					AutomountServiceAccountToken: &automount,
					EnableServiceLinks:           &automount,
					TerminationGracePeriodSeconds: &zero,
				},
			},
		},
	}

	return dep, nil
}

func buildEnv(in Input, name string, spec ContainerSpec) ([]corev1.EnvVar, error) {
	seen := make(map[string]bool)
	var env []corev1.EnvVar

	for _, e := range spec.Env {
		env = append(env, corev1.EnvVar{Name: e.Name, Value: e.Value})
		seen[e.Name] = true
	}
	// Environment map merges in after the list form; a key present in both
	// keeps the list form's value.
	envKeys := make([]string, 0, len(spec.Environment))
	for k := range spec.Environment {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		if seen[k] {
			continue
		}
		env = append(env, corev1.EnvVar{Name: k, Value: spec.Environment[k]})
		seen[k] = true
	}

	if !seen["INSTANCER_METADATA"] {
		meta := instancerMetadata{
			Namespace:     in.Namespace,
			InstanceID:    in.InstanceID,
			ContainerName: name,
			HTTP:          map[string]map[string]string{},
			TeamID:        in.TeamID,
		}
		// Every container learns the public hostname of every HTTP route in
		// the instance, not just its own, so multi-container challenges can
		// point players at each other's frontends.
		for cont, routes := range in.Cfg.HTTP {
			hostsByPort := map[string]string{}
			for _, r := range routes {
				hostsByPort[fmt.Sprintf("%d", r.Port)] = r.Host
			}
			if len(hostsByPort) > 0 {
				meta.HTTP[cont] = hostsByPort
			}
		}

		data, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("encoding INSTANCER_METADATA: %w", err)
		}
		env = append(env, corev1.EnvVar{Name: "INSTANCER_METADATA", Value: string(data)})
	}

	return env, nil
}

func buildPorts(spec ContainerSpec) []corev1.ContainerPort {
	var ports []corev1.ContainerPort
	for _, p := range spec.Ports {
		ports = append(ports, corev1.ContainerPort{ContainerPort: int32(p)})
	}
	for _, p := range spec.KubePorts {
		proto := corev1.Protocol(p.Protocol)
		if proto == "" {
			proto = corev1.ProtocolTCP
		}
		ports = append(ports, corev1.ContainerPort{
			Name:          p.Name,
			ContainerPort: p.ContainerPort,
			Protocol:      proto,
		})
	}
	return ports
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
