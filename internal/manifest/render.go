package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"sigs.k8s.io/yaml"
)

// Placeholder tokens recognized in manifest templates. Replacement is a
// literal, exact-token match, never a pattern.
const (
	TokenClusterDomain      = "%CLUSTER_DOMAIN%"
	TokenDataStorageClass   = "%DATA_STORAGE_CLASS%"
	TokenConfigStorageClass = "%CONFIG_STORAGE_CLASS%"
)

var knownTokens = []string{
	TokenClusterDomain,
	TokenDataStorageClass,
	TokenConfigStorageClass,
}

// Substitutions carries the environment-specific values substituted into the
// manifest template. Empty values count as "not supplied".
type Substitutions struct {
	ClusterDomain      string
	DataStorageClass   string
	ConfigStorageClass string
}

func (s Substitutions) values() map[string]string {
	vals := map[string]string{}
	if s.ClusterDomain != "" {
		vals[TokenClusterDomain] = s.ClusterDomain
	}
	if s.DataStorageClass != "" {
		vals[TokenDataStorageClass] = s.DataStorageClass
	}
	if s.ConfigStorageClass != "" {
		vals[TokenConfigStorageClass] = s.ConfigStorageClass
	}
	return vals
}

// UnsubstitutedPlaceholderError reports a placeholder token that survived
// rendering, either because no value was supplied for it or because the
// token is unknown to the substitution set.
type UnsubstitutedPlaceholderError struct {
	Token   string
	Service string
}

func (e *UnsubstitutedPlaceholderError) Error() string {
	return fmt.Sprintf("service %q references placeholder %s but no substitution value was supplied", e.Service, e.Token)
}

// Render expands the manifest template with the given substitutions and
// validates the result. Substitution is applied per service and only for the
// tokens that service's definition actually contains, so an environment value
// never rewrites unrelated services. Any known token still present after
// substitution is a fatal configuration error.
func Render(raw []byte, subs Substitutions) (*Manifest, error) {
	var doc struct {
		Services []json.RawMessage `json:"services"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	vals := subs.values()
	out := &Manifest{Services: make([]Service, 0, len(doc.Services))}
	for i, rawSvc := range doc.Services {
		text := string(rawSvc)
		for token, value := range vals {
			if strings.Contains(text, token) {
				text = strings.ReplaceAll(text, token, jsonEscape(value))
			}
		}
		var svc Service
		if err := json.Unmarshal([]byte(text), &svc); err != nil {
			return nil, fmt.Errorf("parse service #%d: %w", i+1, err)
		}
		label := svc.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		for _, token := range knownTokens {
			if strings.Contains(text, token) {
				return nil, &UnsubstitutedPlaceholderError{Token: token, Service: label}
			}
		}
		out.Services = append(out.Services, svc)
	}
	if err := out.validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return out, nil
}

// jsonEscape encodes value as it must appear inside a JSON string, so a
// substitution containing quotes or backslashes cannot corrupt the spliced
// service document.
func jsonEscape(value string) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return value
	}
	return string(encoded[1 : len(encoded)-1])
}
