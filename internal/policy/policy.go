// Package policy decides which kubectl invocations an executor is willing to run.
package policy

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"

	agentsexec "github.com/rcourtman/kubebroker/pkg/agents/executor"
)

// Decision is the outcome of Validate.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// Policy is the executor's whitelist. It is loaded from YAML on the executor and never
// taken from the broker.
type Policy struct {
	Mode                agentsexec.SecurityMode `yaml:"mode" json:"mode"`
	AllowedVerbs        []string                `yaml:"allowedVerbs" json:"allowed_verbs"`
	ExtendedVerbs       []string                `yaml:"extendedVerbs" json:"extended_verbs"`
	RestrictedResources []string                `yaml:"restrictedResources" json:"restricted_resources"`
	AllowedFlags        []string                `yaml:"allowedFlags" json:"allowed_flags"`
}

// ReadOnlyVerbs never mutate cluster state. They are the only verbs readOnly mode admits.
var ReadOnlyVerbs = []string{
	"api-resources",
	"api-versions",
	"cluster-info",
	"describe",
	"events",
	"explain",
	"get",
	"logs",
	"top",
	"version",
}

// DefaultExtendedVerbs are added by extendedReadOnly mode.
var DefaultExtendedVerbs = []string{"auth", "diff"}

// DefaultRestrictedResources are denied in every mode.
var DefaultRestrictedResources = []string{"secrets", "certificatesigningrequests"}

// DefaultAllowedFlags covers read-oriented flags.
var DefaultAllowedFlags = []string{
	"--namespace", "-n",
	"--all-namespaces", "-A",
	"--selector", "-l",
	"--field-selector",
	"--output", "-o",
	"--container", "-c",
	"--since", "--since-time",
	"--tail",
	"--previous", "-p",
	"--timestamps",
	"--show-labels",
	"--sort-by",
	"--label-columns", "-L",
	"--no-headers",
	"--containers",
	"--all-containers",
	"--limit-bytes",
	"--recursive",
	"--api-group",
	"--namespaced",
	"--verbs",
	"--chunk-size",
}

// DefaultPolicy is the policy used when no file is configured.
func DefaultPolicy() Policy {
	verbs := append(append([]string{}, ReadOnlyVerbs...), DefaultExtendedVerbs...)
	return Policy{
		Mode:                agentsexec.ModeReadOnly,
		AllowedVerbs:        verbs,
		ExtendedVerbs:       append([]string{}, DefaultExtendedVerbs...),
		RestrictedResources: append([]string{}, DefaultRestrictedResources...),
		AllowedFlags:        append([]string{}, DefaultAllowedFlags...),
	}
}

// withDefaults fills unset fields from DefaultPolicy and normalizes the mode.
func (p Policy) withDefaults() (Policy, error) {
	def := DefaultPolicy()
	mode, err := agentsexec.ParseSecurityMode(string(p.Mode))
	if err != nil {
		return Policy{}, err
	}
	p.Mode = mode
	if p.AllowedVerbs == nil {
		p.AllowedVerbs = def.AllowedVerbs
	}
	if p.ExtendedVerbs == nil {
		p.ExtendedVerbs = def.ExtendedVerbs
	}
	if p.RestrictedResources == nil {
		p.RestrictedResources = def.RestrictedResources
	}
	if p.AllowedFlags == nil {
		p.AllowedFlags = def.AllowedFlags
	}
	return p, nil
}

// EffectiveVerbs lists the verbs this policy admits once the mode gate is applied.
func (p Policy) EffectiveVerbs() []string {
	var out []string
	for _, verb := range p.AllowedVerbs {
		verb = strings.ToLower(strings.TrimSpace(verb))
		if verb != "" && p.modePermits(verb) {
			out = append(out, verb)
		}
	}
	sort.Strings(out)
	return out
}

func (p Policy) modePermits(verb string) bool {
	switch p.Mode {
	case agentsexec.ModeFullAccess:
		return true
	case agentsexec.ModeExtendedReadOnly:
		return contains(ReadOnlyVerbs, verb) || contains(p.ExtendedVerbs, verb)
	default:
		return contains(ReadOnlyVerbs, verb)
	}
}

// Validate decides whether args may run under p. It is a pure function of its inputs.
// Checks apply in order: verb allowed, resource not restricted, flags allowed, mode gate.
func Validate(args []string, p Policy) Decision {
	args = StripBinary(args)
	if len(args) == 0 {
		return deny("empty command")
	}

	verb := strings.ToLower(strings.TrimSpace(args[0]))
	if verb == "" || strings.HasPrefix(verb, "-") {
		return deny("command must start with a verb, got %q", args[0])
	}
	if !contains(p.AllowedVerbs, verb) {
		return deny("verb %q is not allowed", verb)
	}

	parsed := parseArgs(args[1:])

	for _, resource := range resourceTypes(verb, parsed.positionals) {
		if pattern, ok := matchRestricted(p.RestrictedResources, resource); ok {
			return deny("resource %q is restricted (%s)", resource, pattern)
		}
	}

	for _, flag := range parsed.flags {
		if !flagAllowed(p.AllowedFlags, flag) {
			return deny("flag %q is not allowed", flag)
		}
	}

	if !p.modePermits(verb) {
		return deny("verb %q is not permitted in %s mode", verb, p.Mode)
	}
	return allow()
}

// Capabilities derives the self-report an executor sends to the broker.
func (p Policy) Capabilities(clusterID, version string) agentsexec.Capabilities {
	return agentsexec.Capabilities{
		ClusterID:           clusterID,
		Mode:                p.Mode,
		AllowedVerbs:        p.EffectiveVerbs(),
		RestrictedResources: append([]string{}, p.RestrictedResources...),
		AllowedFlags:        append([]string{}, p.AllowedFlags...),
		ExecutorVersion:     version,
	}
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), value) {
			return true
		}
	}
	return false
}

// valueFlags consume the following argument when written without "=".
var valueFlags = map[string]bool{
	"-n": true, "--namespace": true,
	"-l": true, "--selector": true,
	"--field-selector": true,
	"-o": true, "--output": true,
	"-c": true, "--container": true,
	"--since": true, "--since-time": true,
	"--tail": true,
	"--sort-by": true,
	"-L": true, "--label-columns": true,
	"--limit-bytes": true,
	"--api-group": true,
	"--verbs": true,
	"--chunk-size": true,
	"--context": true, "--cluster": true, "--user": true,
	"--kubeconfig": true, "--server": true, "-s": true, "--token": true,
	"--as": true, "--as-group": true,
	"-f": true, "--filename": true,
	"-k": true, "--kustomize": true,
	"--template": true,
	"--request-timeout": true,
}

// StripBinary drops a leading kubectl binary (bare or by path) from args.
func StripBinary(args []string) []string {
	if len(args) > 0 && path.Base(strings.TrimSpace(args[0])) == "kubectl" {
		return args[1:]
	}
	return args
}

type parsedArgs struct {
	flags       []string
	positionals []string
}

func parseArgs(args []string) parsedArgs {
	var out parsedArgs
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			out.positionals = append(out.positionals, args[i+1:]...)
			return out
		case strings.HasPrefix(arg, "--"):
			name, _, hasValue := strings.Cut(arg, "=")
			out.flags = append(out.flags, name)
			if !hasValue && valueFlags[name] && i+1 < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && len(arg) > 1:
			name, _, hasValue := strings.Cut(arg, "=")
			if hasValue || len(name) == 2 {
				out.flags = append(out.flags, name)
				if !hasValue && valueFlags[name] && i+1 < len(args) {
					i++
				}
				continue
			}
			// -nkube-system carries its value inline.
			if valueFlags[name[:2]] {
				out.flags = append(out.flags, name[:2])
				continue
			}
			for _, r := range name[1:] {
				out.flags = append(out.flags, "-"+string(r))
			}
		default:
			out.positionals = append(out.positionals, arg)
		}
	}
	return out
}

// podVerbs take a pod name (or type/name) rather than a resource type.
var podVerbs = map[string]bool{
	"logs":         true,
	"exec":         true,
	"attach":       true,
	"port-forward": true,
	"cp":           true,
}

// nonResourceVerbs never name a resource in their positionals.
var nonResourceVerbs = map[string]bool{
	"version":       true,
	"cluster-info":  true,
	"api-resources": true,
	"api-versions":  true,
}

func resourceTypes(verb string, positionals []string) []string {
	if nonResourceVerbs[verb] || len(positionals) == 0 {
		return nil
	}

	var out []string
	add := func(t string) {
		if t = normalizeResource(t); t != "" {
			out = append(out, t)
		}
	}

	first := positionals[0]
	rest := positionals[1:]
	switch {
	case verb == "auth":
		// auth can-i <verb> <resource>
		if len(positionals) >= 3 {
			for _, part := range strings.Split(positionals[2], ",") {
				typ, _, _ := strings.Cut(part, "/")
				add(typ)
			}
		}
		return out
	case podVerbs[verb]:
		if typ, _, ok := strings.Cut(first, "/"); ok {
			add(typ)
		} else {
			add("pods")
		}
	default:
		for _, part := range strings.Split(first, ",") {
			typ, _, _ := strings.Cut(part, "/")
			add(typ)
		}
	}

	for _, pos := range rest {
		if typ, _, ok := strings.Cut(pos, "/"); ok {
			add(typ)
		}
	}
	return out
}

var resourceAliases = map[string]string{
	"secret":                    "secrets",
	"cm":                        "configmaps",
	"configmap":                 "configmaps",
	"po":                        "pods",
	"pod":                       "pods",
	"svc":                       "services",
	"service":                   "services",
	"deploy":                    "deployments",
	"deployment":                "deployments",
	"ds":                        "daemonsets",
	"daemonset":                 "daemonsets",
	"sts":                       "statefulsets",
	"statefulset":               "statefulsets",
	"rs":                        "replicasets",
	"replicaset":                "replicasets",
	"no":                        "nodes",
	"node":                      "nodes",
	"ns":                        "namespaces",
	"namespace":                 "namespaces",
	"sa":                        "serviceaccounts",
	"serviceaccount":            "serviceaccounts",
	"ing":                       "ingresses",
	"ingress":                   "ingresses",
	"pv":                        "persistentvolumes",
	"persistentvolume":          "persistentvolumes",
	"pvc":                       "persistentvolumeclaims",
	"persistentvolumeclaim":     "persistentvolumeclaims",
	"ep":                        "endpoints",
	"ev":                        "events",
	"event":                     "events",
	"job":                       "jobs",
	"cj":                        "cronjobs",
	"cronjob":                   "cronjobs",
	"crd":                       "customresourcedefinitions",
	"crds":                      "customresourcedefinitions",
	"customresourcedefinition":  "customresourcedefinitions",
	"csr":                       "certificatesigningrequests",
	"certificatesigningrequest": "certificatesigningrequests",
	"role":                      "roles",
	"rolebinding":               "rolebindings",
	"clusterrole":               "clusterroles",
	"clusterrolebinding":        "clusterrolebindings",
	"netpol":                    "networkpolicies",
	"networkpolicy":             "networkpolicies",
	"hpa":                       "horizontalpodautoscalers",
	"pdb":                       "poddisruptionbudgets",
	"sc":                        "storageclasses",
}

// normalizeResource maps aliases and singular forms to the plural resource name and drops
// any API group suffix ("deployments.apps" -> "deployments").
func normalizeResource(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	if base, _, ok := strings.Cut(name, "."); ok {
		name = base
	}
	if canonical, ok := resourceAliases[name]; ok {
		return canonical
	}
	return name
}

func normalizePattern(pattern string) string {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if isWildcard(pattern) {
		return pattern
	}
	return normalizeResource(pattern)
}

func isWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, "*?")
}

func matchRestricted(patterns []string, resource string) (string, bool) {
	for _, raw := range patterns {
		pattern := normalizePattern(raw)
		if pattern == "" {
			continue
		}
		if pattern == resource || (isWildcard(pattern) && wildcard.Match(pattern, resource)) {
			return raw, true
		}
	}
	return "", false
}

func normalizeFlag(flag string) string {
	flag = strings.TrimSpace(flag)
	if flag == "" || strings.HasPrefix(flag, "-") {
		return flag
	}
	if len(flag) == 1 {
		return "-" + flag
	}
	return "--" + flag
}

func flagAllowed(allowed []string, flag string) bool {
	for _, raw := range allowed {
		pattern := normalizeFlag(raw)
		if pattern == "" {
			continue
		}
		if pattern == flag || (isWildcard(pattern) && wildcard.Match(pattern, flag)) {
			return true
		}
	}
	return false
}
