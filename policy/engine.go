// Copyright 2025 Toolgate Authors
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package policy implements the default-deny, glob-matched,
// specificity-ordered RBAC engine that decides whether a caller may
// invoke one tool on one backend with a given argument set.
package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"toolgate/shared/types"
)

// Engine evaluates policies against calls. Policies are replaced by an
// atomic pointer swap so no evaluation ever observes a half-updated set.
type Engine struct {
	policies atomic.Pointer[[]types.Policy]
}

// New creates an Engine with an initial policy set.
func New(policies []types.Policy) *Engine {
	e := &Engine{}
	e.Reload(policies)
	return e
}

// Reload atomically replaces the policy set. Safe to call concurrently
// with Evaluate; no in-flight evaluation observes a partial swap.
func (e *Engine) Reload(policies []types.Policy) {
	cp := make([]types.Policy, len(policies))
	copy(cp, policies)
	e.policies.Store(&cp)
}

type rankedRule struct {
	policyName  string
	policyIndex int
	ruleIndex   int
	rule        types.Rule
	specificity int
}

// Evaluate decides whether ctx may invoke tool on serverID with args.
func (e *Engine) Evaluate(ctx types.CallerContext, serverID, tool string, args map[string]interface{}) types.PolicyDecision {
	policiesPtr := e.policies.Load()
	if policiesPtr == nil {
		return types.PolicyDecision{Allowed: false, Reason: "No matching rule"}
	}
	policies := *policiesPtr

	var candidates []rankedRule
	for pi, p := range policies {
		if !rolesIntersect(p.Roles, ctx.Roles) {
			continue
		}
		for ri, rule := range p.Rules {
			if !globMatch(rule.ServerGlob, serverID) || !globMatch(rule.ToolGlob, tool) {
				continue
			}
			candidates = append(candidates, rankedRule{
				policyName:  p.Name,
				policyIndex: pi,
				ruleIndex:   ri,
				rule:        rule,
				specificity: specificity(rule),
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].specificity > candidates[j].specificity
	})

	for _, c := range candidates {
		if !conditionsMatch(c.rule.Conditions, args) {
			continue
		}
		rule := c.rule
		if c.rule.Action == types.ActionAllow {
			return types.PolicyDecision{Allowed: true, MatchedRule: &rule}
		}
		return types.PolicyDecision{
			Allowed:     false,
			Reason:      fmt.Sprintf("denied by policy %q rule %d", c.policyName, c.ruleIndex),
			MatchedRule: &rule,
		}
	}

	return types.PolicyDecision{Allowed: false, Reason: "No matching rule"}
}

// rolesIntersect reports whether a policy's roles overlap the caller's.
// A "*" role on the policy matches any caller.
func rolesIntersect(policyRoles, callerRoles []string) bool {
	for _, pr := range policyRoles {
		if pr == "*" {
			return true
		}
		for _, cr := range callerRoles {
			if pr == cr {
				return true
			}
		}
	}
	return false
}

// specificity scores a rule: +1 for a non-wildcard server glob, +1 for a
// non-wildcard tool glob.
func specificity(r types.Rule) int {
	s := 0
	if r.ServerGlob != "" && r.ServerGlob != "*" {
		s++
	}
	if r.ToolGlob != "" && r.ToolGlob != "*" {
		s++
	}
	return s
}

// globMatch implements the glob semantics: "*" matches everything,
// "PREFIX*" is a prefix match, "*SUFFIX" is a suffix match, otherwise
// equality. An empty glob counts as "*".
func globMatch(glob, value string) bool {
	if glob == "" || glob == "*" {
		return true
	}
	if strings.HasSuffix(glob, "*") && !strings.HasPrefix(glob, "*") {
		return strings.HasPrefix(value, strings.TrimSuffix(glob, "*"))
	}
	if strings.HasPrefix(glob, "*") && !strings.HasSuffix(glob, "*") {
		return strings.HasSuffix(value, strings.TrimPrefix(glob, "*"))
	}
	return glob == value
}

func conditionsMatch(conditions []types.Condition, args map[string]interface{}) bool {
	for _, c := range conditions {
		if !conditionMatch(c, args) {
			return false
		}
	}
	return true
}

func conditionMatch(c types.Condition, args map[string]interface{}) bool {
	val, present := args[c.Parameter]
	if !present {
		return false
	}
	switch c.Operator {
	case types.OpEq:
		return stringify(val) == stringify(c.Value)
	case types.OpNeq:
		return stringify(val) != stringify(c.Value)
	case types.OpIn:
		arr, ok := c.Value.([]interface{})
		if !ok {
			return false
		}
		for _, item := range arr {
			if stringify(item) == stringify(val) {
				return true
			}
		}
		return false
	case types.OpRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false // invalid regex fails closed
		}
		return re.MatchString(stringify(val))
	default:
		return false
	}
}

func stringify(v interface{}) string {
	return fmt.Sprintf("%v", v)
}
