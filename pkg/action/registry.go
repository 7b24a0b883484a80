package action

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrDuplicateVerb  = errors.New("verb already registered")
	ErrRegistryFrozen = errors.New("action registry is frozen")
	ErrInvalidSpec    = errors.New("invalid handler spec")
)

var verbPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

type registered struct {
	handler Handler
	spec    Spec
	schema  *gojsonschema.Schema
}

// Registry maps verbs and aliases to handlers. It is filled at startup and
// frozen before the first request.
type Registry struct {
	mu       sync.RWMutex
	frozen   bool
	byVerb   map[string]*registered
	primary  []string
	reserved map[string]bool
}

// NewRegistry creates an empty registry. Reserved verbs (the engine's own
// control verbs) cannot be registered.
func NewRegistry(reserved ...string) *Registry {
	r := &Registry{
		byVerb:   make(map[string]*registered),
		reserved: make(map[string]bool),
	}
	for _, v := range reserved {
		r.reserved[strings.ToLower(v)] = true
	}
	return r
}

// Register adds a handler under its verb and aliases.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("%w: handler is nil", ErrInvalidSpec)
	}
	spec := h.Spec()
	spec.Verb = strings.ToLower(strings.TrimSpace(spec.Verb))
	if !verbPattern.MatchString(spec.Verb) {
		return fmt.Errorf("%w: verb %q", ErrInvalidSpec, spec.Verb)
	}
	if spec.MaxArgs != Unbounded && spec.MaxArgs < spec.MinArgs {
		return fmt.Errorf("%w: %s max args below min args", ErrInvalidSpec, spec.Verb)
	}

	schema, err := generateArgsSchema(spec)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSpec, spec.Verb, err)
	}

	names := []string{spec.Verb}
	for _, alias := range spec.Aliases {
		alias = strings.ToLower(strings.TrimSpace(alias))
		if !verbPattern.MatchString(alias) {
			return fmt.Errorf("%w: alias %q", ErrInvalidSpec, alias)
		}
		names = append(names, alias)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if r.reserved[name] || seen[name] {
			return fmt.Errorf("%w: %s", ErrDuplicateVerb, name)
		}
		if _, exists := r.byVerb[name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateVerb, name)
		}
		seen[name] = true
	}

	entry := &registered{handler: h, spec: spec, schema: schema}
	for _, name := range names {
		r.byVerb[name] = entry
	}
	r.primary = append(r.primary, spec.Verb)
	sort.Strings(r.primary)

	log.Debug().Str("verb", spec.Verb).Strs("aliases", spec.Aliases).Msg("Action handler registered")
	return nil
}

// MustRegister registers h and panics on error. Meant for startup wiring.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Freeze rejects any further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Resolve returns the handler for a verb or alias.
func (r *Registry) Resolve(verb string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byVerb[strings.ToLower(verb)]
	if !ok {
		return nil, false
	}
	return entry.handler, true
}

// Has reports whether verb resolves to a handler.
func (r *Registry) Has(verb string) bool {
	_, ok := r.Resolve(verb)
	return ok
}

// Specs returns the contract of every handler, sorted by verb.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.primary))
	for _, verb := range r.primary {
		specs = append(specs, r.byVerb[verb].spec)
	}
	return specs
}

// Validate checks args against the handler's declared contract and then
// its own Validate.
func (r *Registry) Validate(verb string, args []string) error {
	r.mu.RLock()
	entry, ok := r.byVerb[strings.ToLower(verb)]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("verb %q is not registered", verb)
	}

	if err := validateArgs(entry.schema, entry.spec, args); err != nil {
		return err
	}
	if err := entry.handler.Validate(args); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return ve
		}
		return &ValidationError{Verb: entry.spec.Verb, Message: err.Error()}
	}
	return nil
}

func generateArgsSchema(spec Spec) (*gojsonschema.Schema, error) {
	items := map[string]interface{}{"type": "string"}
	if spec.ArgPattern != "" {
		if _, err := regexp.Compile(spec.ArgPattern); err != nil {
			return nil, err
		}
		items["pattern"] = spec.ArgPattern
	}
	schemaMap := map[string]interface{}{
		"type":     "array",
		"items":    items,
		"minItems": spec.MinArgs,
	}
	if spec.MaxArgs != Unbounded {
		schemaMap["maxItems"] = spec.MaxArgs
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

func validateArgs(schema *gojsonschema.Schema, spec Spec, args []string) error {
	if args == nil {
		args = []string{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &ValidationError{Verb: spec.Verb, Message: err.Error()}
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.Description())
	}
	msg := strings.Join(problems, "; ")
	if spec.Usage != "" {
		msg += "\nUsage: " + spec.Usage
	}
	return &ValidationError{Verb: spec.Verb, Message: msg}
}
