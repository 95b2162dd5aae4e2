package contactgate

import (
	"io/ioutil"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// PolicyKind identifies a kind of configuration resource
type PolicyKind string

// RateLimitPolicyKind identifies a rate limit policy resource
const RateLimitPolicyKind PolicyKind = "RateLimitPolicy"

// PolicyMetadata begins every policy resource
type PolicyMetadata struct {
	// Version identifies the version of the resource format
	Version string `yaml:"version" json:"version"`
	// Kind identifies the kind of the resource
	Kind PolicyKind `yaml:"kind" json:"kind"`
	// Name uniquely identifies a resource within its Kind
	Name string `yaml:"name" json:"name"`
	// Description adds context to a resource
	Description string `yaml:"description" json:"description"`
}

// PolicySpec is the body of a RateLimitPolicy resource. Window accepts
// time.ParseDuration strings such as 1h or 90s.
type PolicySpec struct {
	Limit     uint64 `yaml:"limit" json:"limit"`
	Window    string `yaml:"window" json:"window"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// PolicyResource is a rate limit policy as read from a file
type PolicyResource struct {
	PolicyMetadata `yaml:",inline" json:",inline"`
	Spec           PolicySpec `yaml:"spec" json:"spec"`
}

// Policy converts the resource, falling back to the default namespace
func (pr PolicyResource) Policy() (RateLimitPolicy, error) {
	if pr.Kind != RateLimitPolicyKind {
		return RateLimitPolicy{}, errors.Errorf("unexpected resource kind %q, expected %q", pr.Kind, RateLimitPolicyKind)
	}

	window, err := time.ParseDuration(pr.Spec.Window)
	if err != nil {
		return RateLimitPolicy{}, errors.Wrapf(err, "error parsing window of policy %v", pr.Name)
	}

	policy := RateLimitPolicy{Limit: pr.Spec.Limit, Window: window, Namespace: pr.Spec.Namespace}
	if len(policy.Namespace) == 0 {
		policy.Namespace = DefaultRateLimitPolicy.Namespace
	}

	if err := policy.Validate(); err != nil {
		return RateLimitPolicy{}, errors.Wrapf(err, "invalid policy %v", pr.Name)
	}

	return policy, nil
}

// ParsePolicy decodes a RateLimitPolicy resource
func ParsePolicy(content []byte) (PolicyResource, RateLimitPolicy, error) {
	resource := PolicyResource{}
	if err := yaml.UnmarshalStrict(content, &resource); err != nil {
		return resource, RateLimitPolicy{}, errors.Wrap(err, "error unmarshaling policy resource")
	}

	policy, err := resource.Policy()
	return resource, policy, err
}

// LoadPolicyFile reads and validates the policy resource at path
func LoadPolicyFile(path string, logger logrus.FieldLogger) (RateLimitPolicy, error) {
	content, err := ioutil.ReadFile(path)
	if err != nil {
		return RateLimitPolicy{}, errors.Wrapf(err, "error reading policy file %v", path)
	}

	resource, policy, err := ParsePolicy(content)
	if err != nil {
		return RateLimitPolicy{}, errors.Wrapf(err, "error loading policy file %v", path)
	}

	logger.Debugf("loaded policy resource from %v: %v", path, spew.Sdump(resource))
	logger.Infof("using %v from %v", policy, path)
	return policy, nil
}
