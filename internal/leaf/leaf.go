// Package leaf implements the leaf contract and registry: typed primitive
// operations with input/output schemas, permissions, timeouts, retries,
// and provenance.
package leaf

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Permission is one of the capabilities a leaf may be granted.
type Permission string

const (
	PermMovement       Permission = "movement"
	PermDig            Permission = "dig"
	PermPlace          Permission = "place"
	PermSense          Permission = "sense"
	PermChat           Permission = "chat"
	PermContainerRead  Permission = "container.read"
	PermContainerWrite Permission = "container.write"
)

var allowedPermissions = map[Permission]bool{
	PermMovement:       true,
	PermDig:            true,
	PermPlace:          true,
	PermSense:          true,
	PermChat:           true,
	PermContainerRead:  true,
	PermContainerWrite: true,
}

// ErrorCode enumerates the leaf error taxonomy. These are
// plain string codes, not Go error types, so they propagate verbatim to
// HTTP/RPC callers.
type ErrorCode string

const (
	ErrPathUnreachable         ErrorCode = "path.unreachable"
	ErrPathStuck               ErrorCode = "path.stuck"
	ErrPathUnsafe              ErrorCode = "path.unsafe"
	ErrPlaceInvalidFace        ErrorCode = "place.invalidFace"
	ErrPlaceSprawlLimit        ErrorCode = "place.sprawlLimit"
	ErrDigTimeout              ErrorCode = "dig.timeout"
	ErrInventoryMissingItem    ErrorCode = "inventory.missingItem"
	ErrWorldInvalidPosition    ErrorCode = "world.invalidPosition"
	ErrWorldInsufficientMats   ErrorCode = "world.insufficientMaterials"
	ErrSenseAPIError           ErrorCode = "sense.apiError"
	ErrSenseInvalidInput       ErrorCode = "sense.invalidInput"
	ErrContainerUnsupported    ErrorCode = "container.unsupported"
	ErrContainerNotImplemented ErrorCode = "container.notImplemented"
	ErrMovementTimeout         ErrorCode = "movement.timeout"
	ErrAborted                 ErrorCode = "aborted"
	ErrMaxRetriesExceeded      ErrorCode = "max_retries_exceeded"
	ErrSleepNotNight           ErrorCode = "sleep.notNight"
	ErrSleepFailed             ErrorCode = "sleep.failed"
	ErrCollectFailed           ErrorCode = "collect.failed"
	ErrUnknown                 ErrorCode = "unknown"
)

// PostconditionFailed builds the "postcondition_failed:<op>" code family.
func PostconditionFailed(op string) ErrorCode {
	return ErrorCode("postcondition_failed:" + op)
}

// Metrics accompanies every LeafResult.
type Metrics struct {
	DurationMs int64
	Retries    int
	Timeouts   int
}

// ResultError carries the failure branch of a LeafResult.
type ResultError struct {
	Code      ErrorCode
	Retryable bool
	Detail    string
}

func (e *ResultError) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return string(e.Code)
}

// LeafResult is the tagged union a leaf's Run returns: either a success
// carrying a result payload, or a failure carrying a ResultError. Never a
// native panic/exception across the leaf boundary.
type LeafResult struct {
	Success bool
	Result  any
	Err     *ResultError
	Metrics Metrics
}

func Success(result any, m Metrics) LeafResult {
	return LeafResult{Success: true, Result: result, Metrics: m}
}

func Failure(code ErrorCode, retryable bool, detail string, m Metrics) LeafResult {
	return LeafResult{Success: false, Err: &ResultError{Code: code, Retryable: retryable, Detail: detail}, Metrics: m}
}

// Context is the opaque handle a leaf's Run receives. The core treats it as
// an interface; concrete bindings to a world/actuator are external.
type Context interface {
	context.Context
	Now() int64 // unix millis, supplied by the caller so execution is deterministic in tests
	Abort() <-chan struct{}
}

// RunFunc executes a leaf against args validated by InputSchema.
type RunFunc func(ctx Context, args map[string]any) LeafResult

// Provenance records who/what introduced a leaf, mirroring the enhanced
// registry's provenance on options.
type Provenance struct {
	Author    string
	CodeHash  string
	CreatedAt int64
	Metadata  map[string]any
}

// Leaf is one typed primitive operation.
type Leaf struct {
	Name        string
	Version     string // semver
	Description string

	InputSchema  map[string]any
	OutputSchema map[string]any

	Permissions []Permission

	TimeoutMs int
	Retries   int

	Run RunFunc

	Provenance *Provenance

	compiledInput  *jsonschema.Schema
	compiledOutput *jsonschema.Schema
}

// compileSchema returns nil for a nil schema: a leaf that declares no
// schema gets no validation, not an implicit empty-object contract.
func compileSchema(id string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(id, strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile(id)
}

// ValidateInput checks args against the leaf's compiled input schema.
func (l *Leaf) ValidateInput(args map[string]any) error {
	if l == nil || l.compiledInput == nil {
		return nil
	}
	return l.compiledInput.Validate(args)
}

// ValidateOutput checks a result payload against the leaf's compiled output
// schema, used by the executor's postcondition/output check.
func (l *Leaf) ValidateOutput(result any) error {
	if l == nil || l.compiledOutput == nil {
		return nil
	}
	return l.compiledOutput.Validate(result)
}

// RegisterResult is the outcome of a registerLeaf call.
type RegisterResult struct {
	OK    bool
	ID    string
	Error string
}

// Registry is a mapping from name -> (version -> leaf). Append-only
// within a process except via Clear.
type Registry struct {
	mu    sync.RWMutex
	leafs map[string]map[string]*Leaf
}

func NewRegistry() *Registry {
	return &Registry{leafs: map[string]map[string]*Leaf{}}
}

// semver splits "1.2.3" into comparable integer fields. Pre-release
// suffixes sort before their release (e.g. "1.0.0-rc1" < "1.0.0").
type semver struct {
	major, minor, patch int
	pre                 string
}

func parseSemver(v string) (semver, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return semver{}, fmt.Errorf("empty version")
	}
	core := v
	pre := ""
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		core = v[:i]
		pre = v[i+1:]
	}
	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return semver{}, fmt.Errorf("version %q is not semver (expected major.minor.patch)", v)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return semver{}, fmt.Errorf("version %q has non-numeric component %q", v, p)
		}
		nums[i] = n
	}
	return semver{major: nums[0], minor: nums[1], patch: nums[2], pre: pre}, nil
}

// less reports whether a < b per semver precedence (pre-release < release).
func (a semver) less(b semver) bool {
	if a.major != b.major {
		return a.major < b.major
	}
	if a.minor != b.minor {
		return a.minor < b.minor
	}
	if a.patch != b.patch {
		return a.patch < b.patch
	}
	if a.pre == b.pre {
		return false
	}
	if a.pre == "" {
		return false // release > any pre-release
	}
	if b.pre == "" {
		return true
	}
	return a.pre < b.pre
}

// RegisterLeaf validates and stores a leaf, rejecting "version_exists" on an
// exact (name,version) collision.
func (r *Registry) RegisterLeaf(l *Leaf, prov *Provenance) RegisterResult {
	if l == nil {
		return RegisterResult{Error: "must have a valid name"}
	}
	if strings.TrimSpace(l.Name) == "" {
		return RegisterResult{Error: "must have a valid name"}
	}
	if _, err := parseSemver(l.Version); err != nil {
		return RegisterResult{Error: "must have a valid version"}
	}
	for _, p := range l.Permissions {
		if !allowedPermissions[p] {
			return RegisterResult{Error: fmt.Sprintf("invalid permission: %s", p)}
		}
	}
	if l.Run == nil {
		return RegisterResult{Error: "must have a run function"}
	}

	inSchema, err := compileSchema(l.Name+".input.json", l.InputSchema)
	if err != nil {
		return RegisterResult{Error: fmt.Sprintf("invalid input schema: %v", err)}
	}
	outSchema, err := compileSchema(l.Name+".output.json", l.OutputSchema)
	if err != nil {
		return RegisterResult{Error: fmt.Sprintf("invalid output schema: %v", err)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leafs == nil {
		r.leafs = map[string]map[string]*Leaf{}
	}
	versions, ok := r.leafs[l.Name]
	if !ok {
		versions = map[string]*Leaf{}
		r.leafs[l.Name] = versions
	}
	if _, exists := versions[l.Version]; exists {
		return RegisterResult{Error: "version_exists"}
	}

	stored := *l
	stored.compiledInput = inSchema
	stored.compiledOutput = outSchema
	if prov != nil {
		stored.Provenance = prov
	}
	versions[l.Version] = &stored

	id := stored.Name + "@" + stored.Version
	return RegisterResult{OK: true, ID: id}
}

// GetLeaf returns the named leaf. When version is empty, the lexicographically
// greatest semver is returned.
func (r *Registry) GetLeaf(name string, version string) *Leaf {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.leafs[name]
	if !ok || len(versions) == 0 {
		return nil
	}
	if version != "" {
		return versions[version]
	}
	var bestV string
	var best semver
	first := true
	for v := range versions {
		sv, err := parseSemver(v)
		if err != nil {
			continue
		}
		if first || best.less(sv) {
			best = sv
			bestV = v
			first = false
		}
	}
	if bestV == "" {
		return nil
	}
	return versions[bestV]
}

// ListLeaves returns every registered leaf (all versions), sorted by
// name then version for deterministic output.
func (r *Registry) ListLeaves() []*Leaf {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Leaf
	for _, versions := range r.leafs {
		for _, l := range versions {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// ListNames returns every distinct leaf name, sorted.
func (r *Registry) ListNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.leafs))
	for n := range r.leafs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Clear resets the registry to empty. Registrations after Clear succeed
// with fresh state.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leafs = map[string]map[string]*Leaf{}
}
