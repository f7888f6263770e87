package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gosuda/toolgate/internal/domain"
)

var violationPrinter = message.NewPrinter(language.English)

// maxCachedSchemas bounds the compiled-schema cache.
const maxCachedSchemas = 128

// compiledSchema is the cached, parsed form of one args schema.
type compiledSchema struct {
	schema    *jsonschema.Schema
	pathProps []string // property names declared with format "path"
}

// Engine evaluates tool execution requests against the governance
// policy. Decide is a pure function over its inputs; the only shared
// state is the compiled-schema cache, keyed by a content hash of the
// schema text and safe for concurrent read/invalidate.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*compiledSchema
}

func NewEngine() *Engine {
	return &Engine{cache: make(map[string]*compiledSchema)}
}

// Decide evaluates one submission. The check order is fixed: the first
// failing check determines the denial reason.
func (e *Engine) Decide(scopes domain.ScopeSet, tool *domain.ToolDefinition, args map[string]any) domain.Decision {
	if !tool.Enabled {
		return domain.Denied(domain.DenyToolDisabled, "tool "+tool.ID+" is disabled")
	}

	if !scopes.Has(domain.ScopeToolExecute) {
		return domain.Denied(domain.DenyMissingScope, "missing required scope: "+domain.ScopeToolExecute)
	}

	if tool.ArgsSchema != "" {
		cs, err := e.compiled(tool.ArgsSchema)
		if err != nil {
			return domain.Denied(domain.DenyInvalidArgs, "args schema does not compile: "+err.Error())
		}

		if err := cs.schema.Validate(normalize(args)); err != nil {
			return domain.Denied(domain.DenyInvalidArgs, violationDetail(err))
		}

		if d, ok := checkPaths(cs.pathProps, args, tool.AllowedPathPrefixes); !ok {
			return d
		}
	}

	if tool.RiskLevel.RequiresApproval() {
		return domain.RequiresApproval("risk_level=" + string(tool.RiskLevel) + " requires approval")
	}

	return domain.Allowed()
}

// Invalidate drops the compiled form of the given schema text. Called
// when the tool registry reports an update so the next decision
// recompiles from the new text.
func (e *Engine) Invalidate(schemaText string) {
	if schemaText == "" {
		return
	}
	key := contentHash(schemaText)

	e.mu.Lock()
	delete(e.cache, key)
	e.mu.Unlock()
}

// compiled returns the cached compiled schema, compiling on miss.
func (e *Engine) compiled(schemaText string) (*compiledSchema, error) {
	key := contentHash(schemaText)

	e.mu.RLock()
	cs, ok := e.cache[key]
	e.mu.RUnlock()
	if ok {
		return cs, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaText))
	if err != nil {
		return nil, fmt.Errorf("policy.Engine: parse schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool-args.json", doc); err != nil {
		return nil, fmt.Errorf("policy.Engine: add schema resource: %w", err)
	}

	sch, err := compiler.Compile("tool-args.json")
	if err != nil {
		return nil, fmt.Errorf("policy.Engine: compile schema: %w", err)
	}

	cs = &compiledSchema{
		schema:    sch,
		pathProps: pathProperties(doc),
	}

	e.mu.Lock()
	if len(e.cache) >= maxCachedSchemas {
		// Cap the cache: evict an arbitrary entry.
		for k := range e.cache {
			delete(e.cache, k)
			break
		}
	}
	e.cache[key] = cs
	e.mu.Unlock()

	return cs, nil
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// pathProperties collects top-level property names declared path-typed,
// either directly (format "path") or as arrays of paths.
func pathProperties(doc any) []string {
	root, ok := doc.(map[string]any)
	if !ok {
		return nil
	}
	props, ok := root["properties"].(map[string]any)
	if !ok {
		return nil
	}

	var out []string
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if prop["format"] == "path" {
			out = append(out, name)
			continue
		}
		if items, ok := prop["items"].(map[string]any); ok && items["format"] == "path" {
			out = append(out, name)
		}
	}
	return out
}

// checkPaths verifies every declared path argument falls under one of
// the allowed prefixes. An empty prefix list places no restriction.
func checkPaths(pathProps []string, args map[string]any, prefixes []string) (domain.Decision, bool) {
	if len(prefixes) == 0 {
		return domain.Decision{}, true
	}

	for _, prop := range pathProps {
		raw, ok := args[prop]
		if !ok {
			continue
		}

		for _, value := range pathValues(raw) {
			if !pathAllowed(value, prefixes) {
				return domain.Denied(domain.DenyPathNotAllowed,
					fmt.Sprintf("argument %q: path %q is outside the allowed prefixes", prop, value)), false
			}
		}
	}

	return domain.Decision{}, true
}

func pathValues(raw any) []string {
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []string{v}
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func pathAllowed(value string, prefixes []string) bool {
	// Reject traversal before prefix matching.
	for _, part := range strings.Split(value, "/") {
		if part == ".." {
			return false
		}
	}

	for _, prefix := range prefixes {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}

// violationDetail extracts the first (deepest) schema violation and its
// instance path from a jsonschema validation error.
func violationDetail(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}

	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}

	loc := "/" + strings.Join(leaf.InstanceLocation, "/")
	return fmt.Sprintf("schema violation at %s: %s", loc, leaf.ErrorKind.LocalizedString(violationPrinter))
}

// normalize maps absent args to an empty object so object schemas with
// required properties fail validation instead of panicking on nil.
func normalize(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	return args
}
