package translator

import (
	"encoding/json"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// buildIngressRoute emits a Traefik IngressRoute CRD object for a
// container's configured HTTP routes. There is no generated clientset for
// third-party CRDs, so the object is built as unstructured JSON and applied
// through the dynamic client.
func buildIngressRoute(in Input, containerName string, routes []HTTPRoute) (*unstructured.Unstructured, error) {
	rawRoutes := make([][2]any, 0, len(routes))
	var trRoutes []any
	for _, r := range routes {
		rawRoutes = append(rawRoutes, [2]any{r.Port, r.Host})
		trRoutes = append(trRoutes, map[string]any{
			"match": fmt.Sprintf("Host(`%s`)", r.Host),
			"kind":  "Rule",
			"services": []any{
				map[string]any{
					"name": containerName,
					"port": r.Port,
				},
			},
		})
	}

	rawRoutesJSON, err := json.Marshal(rawRoutes)
	if err != nil {
		return nil, fmt.Errorf("encoding raw-routes annotation: %w", err)
	}

	obj := &unstructured.Unstructured{
		Object: map[string]any{
			"apiVersion": TraefikAPIVersion,
			"kind":       "IngressRoute",
			"metadata": map[string]any{
				"name":      containerName,
				"namespace": in.Namespace,
				"labels": map[string]any{
					labelInstanceID: in.InstanceID,
					labelContainer:  containerName,
				},
				"annotations": map[string]any{
					annotationRoutes: string(rawRoutesJSON),
				},
			},
			"spec": map[string]any{
				"entryPoints": []any{"web", "websecure"},
				"routes":      trRoutes,
			},
		},
	}

	return obj, nil
}
