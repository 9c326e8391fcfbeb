package hooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// Registry errors.
var (
	ErrUnknownHook   = errors.New("unknown hook")
	ErrDuplicateHook = errors.New("hook already registered with different types")
)

type hookDef struct {
	payload reflect.Type
	result  reflect.Type
	post    bool
}

// Registry maps hook names to their payload and result types.
type Registry struct {
	mu    sync.RWMutex
	hooks map[string]hookDef
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[string]hookDef)}
}

// Register adds a hook. payloadType is the struct type (not the pointer)
// plugins receive a pointer to. Registering the same name with the same
// pair again is a no-op.
func (r *Registry) Register(name string, payloadType, resultType reflect.Type) error {
	if name == "" {
		return fmt.Errorf("hook name is required")
	}
	if payloadType == nil || resultType == nil {
		return fmt.Errorf("hook %s: payload and result types are required", name)
	}
	if payloadType.Kind() == reflect.Pointer {
		payloadType = payloadType.Elem()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.hooks[name]; ok {
		if existing.payload == payloadType && existing.result == resultType {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDuplicateHook, name)
	}
	r.hooks[name] = hookDef{
		payload: payloadType,
		result:  resultType,
		post:    strings.Contains(name, "_post_"),
	}
	return nil
}

// RegisterPayload registers hook name with payload type P and the shared
// Result type.
func RegisterPayload[P any](r *Registry, name string) error {
	return r.Register(name, reflect.TypeFor[P](), reflect.TypeFor[Result]())
}

// IsRegistered reports whether name is a known hook.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.hooks[name]
	return ok
}

// Types returns the payload and result types for name.
func (r *Registry) Types(name string) (reflect.Type, reflect.Type, error) {
	def, err := r.lookup(name)
	if err != nil {
		return nil, nil, err
	}
	return def.payload, def.result, nil
}

// IsPostHook reports whether name runs after the underlying operation.
// Unknown hooks are reported as pre hooks.
func (r *Registry) IsPostHook(name string) bool {
	def, err := r.lookup(name)
	if err != nil {
		return false
	}
	return def.post
}

// Names returns all registered hook names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.hooks))
	for name := range r.hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckPayload verifies that p is a pointer to the payload type of name.
func (r *Registry) CheckPayload(name string, p Payload) error {
	def, err := r.lookup(name)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("hook %s: nil payload", name)
	}
	if got := reflect.TypeOf(p); got != reflect.PointerTo(def.payload) {
		return fmt.Errorf("hook %s: payload type %s, want *%s", name, got, def.payload)
	}
	return nil
}

// NewPayload allocates an empty payload for name.
func (r *Registry) NewPayload(name string) (Payload, error) {
	def, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return reflect.New(def.payload).Interface(), nil
}

// DecodePayload builds the typed payload for name from a JSON-shaped tree.
func (r *Registry) DecodePayload(name string, data interface{}) (Payload, error) {
	p, err := r.NewPayload(name)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", name, err)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", name, err)
	}
	return p, nil
}

// DecodeResult builds a Result for name from its wire form, converting the
// modified payload into the hook's payload type.
func (r *Registry) DecodeResult(name string, data []byte) (*Result, error) {
	var wire struct {
		ContinueProcessing *bool                  `json:"continue_processing"`
		ModifiedPayload    json.RawMessage        `json:"modified_payload"`
		Violation          *Violation             `json:"violation"`
		Metadata           map[string]interface{} `json:"metadata"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", name, err)
	}
	res := &Result{
		ContinueProcessing: true,
		Violation:          wire.Violation,
		Metadata:           wire.Metadata,
	}
	if wire.ContinueProcessing != nil {
		res.ContinueProcessing = *wire.ContinueProcessing
	}
	if len(wire.ModifiedPayload) > 0 && string(wire.ModifiedPayload) != "null" {
		p, err := r.NewPayload(name)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(wire.ModifiedPayload, p); err != nil {
			return nil, fmt.Errorf("decode %s modified payload: %w", name, err)
		}
		res.ModifiedPayload = p
	}
	return res, nil
}

func (r *Registry) lookup(name string) (hookDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.hooks[name]
	if !ok {
		return hookDef{}, fmt.Errorf("%w: %s", ErrUnknownHook, name)
	}
	return def, nil
}

// ToMap converts a payload into a JSON-shaped tree.
func ToMap(p Payload) (map[string]interface{}, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode payload tree: %w", err)
	}
	return out, nil
}
