package policyopa

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"sealog/internal/domain"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
)

const selectionQuery = "data.sealog.tsa.allowed"

//go:embed default.rego
var defaultPolicy string

// Engine evaluates the TSA selection policy.
type Engine struct {
	query      rego.PreparedEvalQuery
	bundleHash string
}

type SelectionInput struct {
	Tenant   TenantInput    `json:"tenant"`
	Backends []BackendInput `json:"backends"`
}

type TenantInput struct {
	ID     string `json:"id"`
	Slug   string `json:"slug"`
	Policy string `json:"policy"`
}

type BackendInput struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Priority int    `json:"priority"`
	Healthy  bool   `json:"healthy"`
}

// NewDefaultEngine compiles the built-in selection policy.
func NewDefaultEngine(ctx context.Context) (*Engine, error) {
	return NewEngineFromSource(ctx, "default.rego", defaultPolicy)
}

func NewEngineFromSource(ctx context.Context, name, source string) (*Engine, error) {
	sum := sha256.Sum256([]byte(source))
	return newEngine(ctx, hex.EncodeToString(sum[:]), rego.Module(name, source))
}

func NewEngineFromBundlePath(ctx context.Context, bundlePath string) (*Engine, error) {
	bundleHash, err := ComputeBundleHashFromPath(bundlePath)
	if err != nil {
		return nil, err
	}
	return newEngine(ctx, bundleHash, rego.Load([]string{bundlePath}, nil))
}

func newEngine(ctx context.Context, bundleHash string, source func(*rego.Rego)) (*Engine, error) {
	capabilities := ast.CapabilitiesForThisVersion()
	capabilities.Builtins = filterBuiltins(capabilities.Builtins)
	compiler := ast.NewCompiler().WithCapabilities(capabilities)

	r := rego.New(
		rego.Query(selectionQuery),
		rego.Compiler(compiler),
		rego.StrictBuiltinErrors(true),
		source,
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	if err := assertNoForbiddenBuiltins(compiler); err != nil {
		return nil, err
	}
	return &Engine{query: prepared, bundleHash: bundleHash}, nil
}

func (e *Engine) BundleHash() string {
	return e.bundleHash
}

// Allowed returns the backend ids the policy permits for tenant, in the order
// the backends were given.
func (e *Engine) Allowed(ctx context.Context, tenant domain.Tenant, backends []domain.TSABackend) ([]string, error) {
	if e == nil {
		return nil, errors.New("policy engine is nil")
	}
	input := SelectionInput{
		Tenant: TenantInput{ID: tenant.ID, Slug: tenant.Slug, Policy: tenant.TSAPolicy},
	}
	for _, b := range backends {
		input.Backends = append(input.Backends, BackendInput{
			ID:       b.ID,
			Kind:     string(b.Kind),
			Priority: b.Priority,
			Healthy:  b.Healthy,
		})
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}
	permitted, err := decodeIDs(results[0].Expressions[0].Value)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(permitted))
	for _, b := range backends {
		if _, ok := permitted[b.ID]; ok {
			out = append(out, b.ID)
		}
	}
	return out, nil
}

func decodeIDs(value any) (map[string]struct{}, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("policy result must be a set of backend ids, got %T", value)
	}
	ids := make(map[string]struct{}, len(items))
	for _, item := range items {
		id, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("policy result contains non-string id %v", item)
		}
		ids[id] = struct{}{}
	}
	return ids, nil
}

func assertNoForbiddenBuiltins(compiler *ast.Compiler) error {
	if compiler == nil {
		return errors.New("policy compiler is nil")
	}
	forbidden := make(map[string]struct{})
	for _, module := range compiler.Modules {
		ast.WalkTerms(module, func(term *ast.Term) bool {
			call, ok := term.Value.(ast.Call)
			if !ok || len(call) == 0 || call[0] == nil {
				return false
			}
			name := call[0].Value.String()
			if _, ok := ast.BuiltinMap[name]; !ok {
				return false
			}
			if _, ok := allowedBuiltins[name]; ok {
				return false
			}
			forbidden[name] = struct{}{}
			return false
		})
	}
	if len(forbidden) == 0 {
		return nil
	}
	names := make([]string, 0, len(forbidden))
	for name := range forbidden {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Errorf("forbidden builtins: %s", strings.Join(names, ", "))
}
