package kubernetesagent

import (
	"context"
	"fmt"
	"strings"

	"k8s.io/client-go/discovery"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// buildRESTConfig prefers an explicit kubeconfig, then in-cluster config, then the default
// kubeconfig loading rules. It returns the context name in use.
func buildRESTConfig(kubeconfigPath, kubeContext string) (*rest.Config, string, error) {
	kubeconfigPath = strings.TrimSpace(kubeconfigPath)
	kubeContext = strings.TrimSpace(kubeContext)

	if kubeconfigPath != "" {
		return loadKubeconfig(&clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfigPath}, kubeContext)
	}

	restCfg, inClusterErr := rest.InClusterConfig()
	if inClusterErr == nil {
		return restCfg, "in-cluster", nil
	}

	restCfg, contextName, err := loadKubeconfig(clientcmd.NewDefaultClientConfigLoadingRules(), kubeContext)
	if err != nil {
		return nil, "", fmt.Errorf("kubernetes config not available (in-cluster failed: %v; kubeconfig failed: %w)", inClusterErr, err)
	}
	return restCfg, contextName, nil
}

func loadKubeconfig(rules *clientcmd.ClientConfigLoadingRules, kubeContext string) (*rest.Config, string, error) {
	overrides := &clientcmd.ConfigOverrides{}
	if kubeContext != "" {
		overrides.CurrentContext = kubeContext
	}
	cc := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides)
	rawCfg, err := cc.RawConfig()
	if err != nil {
		return nil, "", fmt.Errorf("load kubeconfig: %w", err)
	}

	contextName := rawCfg.CurrentContext
	if kubeContext != "" {
		contextName = kubeContext
	}

	restCfg, err := cc.ClientConfig()
	if err != nil {
		return nil, "", fmt.Errorf("build kubeconfig rest config: %w", err)
	}
	return restCfg, contextName, nil
}

// serverVersion asks the API server for its git version. Discovery does not take a
// context, so the call is abandoned (not cancelled) when ctx ends first.
func serverVersion(ctx context.Context, client discovery.ServerVersionInterface) (string, error) {
	type answer struct {
		version string
		err     error
	}
	ch := make(chan answer, 1)
	go func() {
		info, err := client.ServerVersion()
		if err != nil {
			ch <- answer{err: err}
			return
		}
		ch <- answer{version: strings.TrimSpace(info.GitVersion)}
	}()

	select {
	case a := <-ch:
		return a.version, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
