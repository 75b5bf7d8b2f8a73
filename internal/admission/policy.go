package admission

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Action is a rule outcome.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Rule matches a request by tenant/method/region/tags; empty fields
// match anything. First matching rule wins.
type Rule struct {
	Tenant string   `yaml:"tenant" json:"tenant"`
	Method string   `yaml:"method" json:"method"`
	Region string   `yaml:"region" json:"region"`
	Tags   []string `yaml:"tags" json:"tags"`
	Action Action   `yaml:"action" json:"action"`
}

// Bundle is a loaded rule set plus its declared default.
type Bundle struct {
	Rules         []Rule `yaml:"rules" json:"rules"`
	DefaultAction Action `yaml:"default_action" json:"default_action"`
}

var ErrPolicyDenied = errors.New("admission: denied by policy")

// PolicyEngine evaluates loaded bundles. No match falls through to the
// bundle default, and an unset default is deny — never allow by
// omission.
type PolicyEngine struct {
	bundle Bundle
}

// NewPolicyEngine validates and loads a bundle. A bundle whose declared
// default disagrees with a rule claiming to be the default (an
// all-wildcard rule with a different action) is rejected at load rather
// than resolved at request time.
func NewPolicyEngine(b Bundle) (*PolicyEngine, error) {
	if b.DefaultAction == "" {
		b.DefaultAction = ActionDeny
	}
	if b.DefaultAction != ActionAllow && b.DefaultAction != ActionDeny {
		return nil, fmt.Errorf("admission: unknown default action %q", b.DefaultAction)
	}
	for i, r := range b.Rules {
		if r.Action != ActionAllow && r.Action != ActionDeny {
			return nil, fmt.Errorf("admission: rule %d has unknown action %q", i, r.Action)
		}
		if r.Tenant == "" && r.Method == "" && r.Region == "" && len(r.Tags) == 0 && r.Action != b.DefaultAction {
			return nil, fmt.Errorf("admission: rule %d is an all-wildcard %s but bundle default is %s", i, r.Action, b.DefaultAction)
		}
	}
	return &PolicyEngine{bundle: b}, nil
}

// RequestMeta is the evaluation input.
type RequestMeta struct {
	Tenant string
	Method string
	Region string
	Tags   []string
}

// Evaluate applies first-matching-rule-wins, then the default.
func (e *PolicyEngine) Evaluate(m RequestMeta) Action {
	for _, r := range e.bundle.Rules {
		if r.Tenant != "" && !strings.EqualFold(r.Tenant, m.Tenant) {
			continue
		}
		if r.Method != "" && !strings.EqualFold(r.Method, m.Method) {
			continue
		}
		if r.Region != "" && !strings.EqualFold(r.Region, m.Region) {
			continue
		}
		if len(r.Tags) > 0 && !hasAllTags(m.Tags, r.Tags) {
			continue
		}
		return r.Action
	}
	return e.bundle.DefaultAction
}

// Func adapts the engine to the pipeline's PolicyFunc hook, reading
// tenant and region from headers.
func (e *PolicyEngine) Func() PolicyFunc {
	return func(r *http.Request) error {
		action := e.Evaluate(RequestMeta{
			Tenant: r.Header.Get("X-Tenant-ID"),
			Method: r.Method,
			Region: r.Header.Get("X-Region"),
		})
		if action != ActionAllow {
			return ErrPolicyDenied
		}
		return nil
	}
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if strings.EqualFold(h, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
