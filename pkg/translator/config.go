// Package translator turns a declarative challenge container/port
// configuration into the cluster API payloads needed to run it: one
// workload and up to two services per container, one Traefik IngressRoute
// per container with HTTP routes, and three shared network policies.
//
// Translate is a pure function: given the same Config it always produces
// byte-for-byte identical payloads.
package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/yaml"
)

// ErrNotSupported is returned when a container spec sets a field the
// translator does not implement.
var ErrNotSupported = errors.New("translator: field not supported")

// ErrInvalidConfig is returned by ValidateConfig when a cfg document fails
// the upload-time cross-field rules.
var ErrInvalidConfig = errors.New("translator: invalid challenge config")

// TraefikAPIVersion pins the ingress route CRD group/version. The upstream
// project mixed traefik.containo.us and traefik.io across revisions; this
// repo standardizes on the latter everywhere.
const TraefikAPIVersion = "traefik.io/v1alpha1"

var containerIDPattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]{0,62}[a-z0-9])?$`)

// externalServiceSuffix marks the NodePort service created alongside a
// ClusterIP service for the same container (the "multiService" case).
const externalServiceSuffix = "-instancer-external"

// Config is the decoded challenge cfg document.
type Config struct {
	Containers map[string]ContainerSpec `json:"containers"`
	TCP        map[string][]int         `json:"tcp,omitempty"`
	HTTP       map[string][]HTTPRoute   `json:"http,omitempty"`
}

// HTTPRoute is a (port, public hostname) pair. On the wire it is a
// two-element [port, "host"] array, the shape challenge authors write in
// their cfg documents.
type HTTPRoute struct {
	Port int
	Host string
}

// UnmarshalJSON decodes the [port, "host"] wire form.
func (r *HTTPRoute) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("http route must be a [port, host] pair, got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &r.Port); err != nil {
		return fmt.Errorf("http route port: %w", err)
	}
	if err := json.Unmarshal(pair[1], &r.Host); err != nil {
		return fmt.Errorf("http route host: %w", err)
	}
	return nil
}

// MarshalJSON re-encodes the [port, "host"] wire form so a decoded config
// round-trips unchanged.
func (r HTTPRoute) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{r.Port, r.Host})
}

// KubePort is a full port descriptor, mirroring corev1.ContainerPort's
// validated subset.
type KubePort struct {
	Name          string `json:"name,omitempty"`
	ContainerPort int32  `json:"containerPort"`
	Protocol      string `json:"protocol,omitempty"`
}

// EnvVar is a plain {name, value} pair, the `env` list form.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ContainerSpec is the validated subset of a cluster container spec
// accepted from challenge config. Any field outside this set present
// in the raw upload is an upload-time validation error, not a translator
// concern; the translator only rejects the explicitly unsupported fields
// named below when they're set on this struct.
type ContainerSpec struct {
	Image                    string                       `json:"image"`
	Args                     []string                     `json:"args,omitempty"`
	Command                  []string                     `json:"command,omitempty"`
	ImagePullPolicy          string                       `json:"imagePullPolicy,omitempty"`
	Stdin                    bool                         `json:"stdin,omitempty"`
	StdinOnce                bool                         `json:"stdinOnce,omitempty"`
	TerminationMessagePath   string                       `json:"terminationMessagePath,omitempty"`
	TerminationMessagePolicy string                       `json:"terminationMessagePolicy,omitempty"`
	TTY                      bool                         `json:"tty,omitempty"`
	WorkingDir               string                       `json:"workingDir,omitempty"`
	Env                      []EnvVar                     `json:"env,omitempty"`
	Environment              map[string]string            `json:"environment,omitempty"`
	Ports                    []int                        `json:"ports,omitempty"`
	KubePorts                []KubePort                   `json:"kubePorts,omitempty"`
	SecurityContext          *corev1.SecurityContext      `json:"securityContext,omitempty"`
	Resources                *corev1.ResourceRequirements `json:"resources,omitempty"`
	MultiService             bool                         `json:"multiService,omitempty"`
	HasEgress                *bool                        `json:"hasEgress,omitempty"`

	// Explicitly unsupported fields. Present only so upload validation and
	// the translator can detect and reject them; never populated by a
	// conforming config.
	EnvFrom        any `json:"envFrom,omitempty"`
	Lifecycle      any `json:"lifecycle,omitempty"`
	LivenessProbe  any `json:"livenessProbe,omitempty"`
	ReadinessProbe any `json:"readinessProbe,omitempty"`
	StartupProbe   any `json:"startupProbe,omitempty"`
	VolumeDevices  any `json:"volumeDevices,omitempty"`
	VolumeMounts   any `json:"volumeMounts,omitempty"`
}

// unsupportedFields reports the first unsupported field set on the spec, if
// any.
func (c ContainerSpec) unsupportedFields() error {
	checks := []struct {
		name string
		set  bool
	}{
		{"envFrom", c.EnvFrom != nil},
		{"lifecycle", c.Lifecycle != nil},
		{"livenessProbe", c.LivenessProbe != nil},
		{"readinessProbe", c.ReadinessProbe != nil},
		{"startupProbe", c.StartupProbe != nil},
		{"volumeDevices", c.VolumeDevices != nil},
		{"volumeMounts", c.VolumeMounts != nil},
	}
	for _, chk := range checks {
		if chk.set {
			return fmt.Errorf("%w: %s", ErrNotSupported, chk.name)
		}
	}
	return nil
}

func validContainerID(id string) bool {
	return containerIDPattern.MatchString(id)
}

// ValidID reports whether s is a valid DNS label, the format required of
// both challenge ids and container ids.
func ValidID(s string) bool {
	return containerIDPattern.MatchString(s)
}

// DecodeConfig decodes a challenge cfg document into a Config. The document
// may arrive as either JSON or YAML; sigs.k8s.io/yaml handles both (JSON is
// a YAML subset) by round-tripping through JSON-tagged structs, the standard
// way k8s-adjacent Go code reads config documents.
func DecodeConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding challenge config: %w", err)
	}
	return cfg, nil
}

// ValidateConfig enforces the upload-time cross-field rules on a decoded cfg
// document. The first failing rule is reported. Translate assumes a config
// that passed here; admin uploads that fail never reach the catalog.
func ValidateConfig(cfg Config) error {
	if len(cfg.Containers) == 0 {
		return fmt.Errorf("%w: at least one container is required", ErrInvalidConfig)
	}

	for _, name := range sortedContainerIDs(cfg.Containers) {
		spec := cfg.Containers[name]
		if !validContainerID(name) {
			return fmt.Errorf("%w: container id %q is not a valid DNS label", ErrInvalidConfig, name)
		}
		if strings.HasSuffix(name, externalServiceSuffix) {
			return fmt.Errorf("%w: container id %q uses the reserved %s suffix", ErrInvalidConfig, name, externalServiceSuffix)
		}
		if spec.Image == "" {
			return fmt.Errorf("%w: container %q has no image", ErrInvalidConfig, name)
		}
		if err := spec.unsupportedFields(); err != nil {
			return fmt.Errorf("container %q: %w", name, err)
		}
		for _, p := range spec.Ports {
			if p < 1 || p > 65535 {
				return fmt.Errorf("%w: container %q port %d out of range", ErrInvalidConfig, name, p)
			}
		}
	}

	for name, ports := range cfg.TCP {
		if _, ok := cfg.Containers[name]; !ok {
			return fmt.Errorf("%w: tcp refers to undeclared container %q", ErrInvalidConfig, name)
		}
		for _, p := range ports {
			if p < 1 || p > 65535 {
				return fmt.Errorf("%w: tcp port %d for %q out of range", ErrInvalidConfig, p, name)
			}
		}
	}
	for name := range cfg.HTTP {
		if _, ok := cfg.Containers[name]; !ok {
			return fmt.Errorf("%w: http refers to undeclared container %q", ErrInvalidConfig, name)
		}
	}

	for _, name := range sortedContainerIDs(cfg.Containers) {
		spec := cfg.Containers[name]
		exposed := toSet(cfg.TCP[name])
		var private int
		for _, p := range allPorts(spec) {
			if !exposed[p] {
				private++
			}
		}
		if len(cfg.TCP[name]) > 0 && private > 0 && !spec.MultiService {
			return fmt.Errorf("%w: container %q has both exposed and private ports but multiService is not true", ErrInvalidConfig, name)
		}
	}

	return nil
}
