package translator

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

func intOrStringFromInt(p int) intstr.IntOrString {
	return intstr.FromInt32(int32(p))
}

// buildServices emits zero, one, or two services for a container: a
// NodePort service for its exposed TCP ports, and a ClusterIP service for
// any remaining private ports. Having both requires multiService: true.
func buildServices(in Input, name string, spec ContainerSpec, exposedTCP []int) ([]corev1.Service, error) {
	exposed := toSet(exposedTCP)
	all := allPorts(spec)

	var private []int
	for _, p := range all {
		if !exposed[p] {
			private = append(private, p)
		}
	}

	if len(exposedTCP) > 0 && len(private) > 0 && !spec.MultiService {
		return nil, fmt.Errorf("%w: container %q exposes both tcp and private ports without multiService", ErrNotSupported, name)
	}

	var services []corev1.Service

	if len(exposedTCP) > 0 {
		svcName := name
		if len(private) > 0 {
			svcName = name + externalServiceSuffix
		}
		services = append(services, buildService(in, svcName, name, exposedTCP, corev1.ServiceTypeNodePort))
	}

	if len(private) > 0 {
		services = append(services, buildService(in, name, name, private, corev1.ServiceTypeClusterIP))
	}

	return services, nil
}

func buildService(in Input, svcName, containerName string, ports []int, svcType corev1.ServiceType) corev1.Service {
	var svcPorts []corev1.ServicePort
	for _, p := range ports {
		svcPorts = append(svcPorts, corev1.ServicePort{
			Name:       fmt.Sprintf("p%d", p),
			Port:       int32(p),
			TargetPort: intOrStringFromInt(p),
			Protocol:   corev1.ProtocolTCP,
		})
	}

	return corev1.Service{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      svcName,
			Namespace: in.Namespace,
			Labels: map[string]string{
				labelInstanceID: in.InstanceID,
				labelContainer:  containerName,
			},
		},
		Spec: corev1.ServiceSpec{
			Type:     svcType,
			Selector: map[string]string{labelContainer: containerName},
			Ports:    svcPorts,
		},
	}
}

func allPorts(spec ContainerSpec) []int {
	ports := append([]int(nil), spec.Ports...)
	for _, p := range spec.KubePorts {
		ports = append(ports, int(p.ContainerPort))
	}
	return dedupInts(ports)
}

func toSet(ports []int) map[int]bool {
	set := make(map[int]bool, len(ports))
	for _, p := range ports {
		set[p] = true
	}
	return set
}

func dedupInts(in []int) []int {
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
