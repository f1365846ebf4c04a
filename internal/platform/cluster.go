package platform

import (
	"fmt"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// ClusterClients bundles the typed and dynamic client-go clients used to
// translate and apply challenge workloads. The dynamic client is
// required for the Traefik IngressRoute CRD, which has no generated clientset.
type ClusterClients struct {
	Typed   kubernetes.Interface
	Dynamic dynamic.Interface
}

// NewClusterClients builds a rest.Config from kubeconfigPath, or from the
// in-cluster service account when kubeconfigPath is empty, and constructs
// both the typed and dynamic clients from it.
func NewClusterClients(kubeconfigPath string) (*ClusterClients, error) {
	restCfg, err := buildRestConfig(kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("building cluster config: %w", err)
	}

	typed, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating typed client: %w", err)
	}

	dyn, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating dynamic client: %w", err)
	}

	return &ClusterClients{Typed: typed, Dynamic: dyn}, nil
}

func buildRestConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath == "" {
		cfg, err := rest.InClusterConfig()
		if err == nil {
			return cfg, nil
		}
		// Fall through to default loading rules (e.g. $KUBECONFIG or
		// ~/.kube/config) when not actually running in a cluster.
	}

	return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
}
