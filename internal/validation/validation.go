// Package validation implements every trust-boundary check in spec §3/§4.8:
// function id/version/language/entryPoint/dependencies, deploy-body shape,
// and range checks on generative/agentic tuning knobs. Two surfaces share
// one rule set — ValidateDeploy (throwing) and ValidateDeploySafe (a
// Result-like sum type) — because the hot deploy path prefers to keep
// validation errors as values instead of panicking on malformed JSON from
// a persistent store.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/loadstub/gateway/internal/domain"
	"github.com/loadstub/gateway/internal/errs"
)

const (
	MaxIDLength        = 64
	MaxSchemaBytes      = 100_000
	MaxDeployBodyBytes  = 50 * 1024 * 1024
)

var idPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// Result is the sum type validateSafe-style callers get back: exactly one
// of Value/Err is non-zero.
type Result[T any] struct {
	Value T
	Err   *errs.Error
}

func Ok[T any](v T) Result[T]         { return Result[T]{Value: v} }
func Fail[T any](e *errs.Error) Result[T] { return Result[T]{Err: e} }

func (r Result[T]) IsOK() bool { return r.Err == nil }

// ValidateID checks the function id grammar from spec §3: starts with a
// letter, only letters/digits/underscore/hyphen afterwards, no doubled
// separator run, length <= 64.
func ValidateID(id string) error {
	if id == "" {
		return errs.New(errs.KindValidation, "id is required").WithCode("id")
	}
	if len(id) > MaxIDLength {
		return errs.New(errs.KindValidation, fmt.Sprintf("id exceeds %d characters", MaxIDLength)).WithCode("id")
	}
	if !idPattern.MatchString(id) {
		return errs.New(errs.KindValidation, "id must start with a letter and contain only letters, digits, '_' or '-'").WithCode("id")
	}
	for i := 1; i < len(id); i++ {
		if isSeparator(id[i]) && isSeparator(id[i-1]) {
			return errs.New(errs.KindValidation, "id must not contain doubled separators").WithCode("id")
		}
	}
	return nil
}

func isSeparator(b byte) bool { return b == '_' || b == '-' }

// semverPattern implements MAJOR.MINOR.PATCH[-prerelease][+build] with no
// leading zeros and no leading "v", per spec §3.
var semverPattern = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(?:-([0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*))?(?:\+([0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*))?$`)

func ValidateVersion(version string) error {
	if version == "" {
		return errs.New(errs.KindValidation, "version is required").WithCode("version")
	}
	if strings.HasPrefix(version, "v") {
		return errs.New(errs.KindValidation, "version must not have a leading 'v'").WithCode("version")
	}
	if !semverPattern.MatchString(version) {
		return errs.New(errs.KindValidation, "version must be MAJOR.MINOR.PATCH semver, no leading zeros").WithCode("version")
	}
	return nil
}

func ValidateLanguage(lang domain.Language) error {
	if !lang.IsValid() {
		return errs.New(errs.KindValidation, fmt.Sprintf("unsupported language %q", lang)).WithCode("language")
	}
	return nil
}

// ValidateEntryPoint rejects absolute paths, "..", and "//" per spec §3.
func ValidateEntryPoint(entry string) error {
	if entry == "" {
		return errs.New(errs.KindValidation, "entryPoint is required").WithCode("entryPoint")
	}
	if strings.HasPrefix(entry, "/") {
		return errs.New(errs.KindValidation, "entryPoint must be relative").WithCode("entryPoint")
	}
	if strings.Contains(entry, "..") {
		return errs.New(errs.KindValidation, "entryPoint must not contain '..'").WithCode("entryPoint")
	}
	if strings.Contains(entry, "//") {
		return errs.New(errs.KindValidation, "entryPoint must not contain '//'").WithCode("entryPoint")
	}
	return nil
}

func ValidateDependencies(deps map[string]string) error {
	for name, ver := range deps {
		if strings.TrimSpace(name) == "" {
			return errs.New(errs.KindValidation, "dependency name must not be blank").WithCode("dependencies")
		}
		if strings.TrimSpace(ver) == "" {
			return errs.New(errs.KindValidation, fmt.Sprintf("dependency %q is missing a version", name)).WithCode("dependencies")
		}
	}
	return nil
}

// ValidateSchema enforces the 100KB size cap and rejects anything that does
// not round-trip through json.Marshal (our stand-in for "free of cycles":
// a schema that reached us as json.RawMessage is already serialized, so the
// cycle check that matters is on the size of that serialization, done here
// uniformly for both deploy bodies and registry reads).
func ValidateSchema(field string, schema json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	if len(schema) > MaxSchemaBytes {
		return errs.New(errs.KindValidation, fmt.Sprintf("%s exceeds %d bytes", field, MaxSchemaBytes)).WithCode(field)
	}
	if !json.Valid(schema) {
		return errs.New(errs.KindValidation, fmt.Sprintf("%s is not valid JSON", field)).WithCode(field)
	}
	return nil
}

// ValidateDeploy runs every deploy-time rule in this order: body size -> id
// -> version -> kind -> the kind's own fields (for code functions:
// code-spec presence -> language -> entryPoint -> dependencies). The first
// violation wins.
func ValidateDeploy(meta *domain.FunctionMetadata, bodySize int64) error {
	if bodySize > MaxDeployBodyBytes {
		return errs.New(errs.KindPayloadTooLarge, "deploy body exceeds 50MB")
	}
	if err := ValidateID(meta.ID); err != nil {
		return err
	}
	if err := ValidateVersion(meta.Version); err != nil {
		return err
	}
	if !meta.Kind.IsValid() {
		return errs.New(errs.KindValidation, fmt.Sprintf("unknown kind %q", meta.Kind)).WithCode("kind")
	}

	switch meta.Kind {
	case domain.KindCode:
		return validateCode(meta.Code)
	case domain.KindGenerative:
		return validateGenerative(meta.Generative)
	case domain.KindAgentic:
		return validateAgentic(meta.Agentic)
	case domain.KindHuman:
		return validateHuman(meta.Human)
	case domain.KindCascade:
		return validateCascade(meta.Cascade)
	}
	return nil
}

func validateCode(spec *domain.CodeSpec) error {
	if spec == nil {
		return errs.New(errs.KindValidation, "code functions require a code spec").WithCode("code")
	}
	if err := ValidateLanguage(spec.Language); err != nil {
		return err
	}
	if err := ValidateEntryPoint(spec.EntryPoint); err != nil {
		return err
	}
	return ValidateDependencies(spec.Dependencies)
}

func validateGenerative(spec *domain.GenerativeSpec) error {
	if spec == nil {
		return errs.New(errs.KindValidation, "generative functions require a generative spec").WithCode("generative")
	}
	if strings.TrimSpace(spec.UserPrompt) == "" {
		return errs.New(errs.KindValidation, "userPrompt is required").WithCode("userPrompt")
	}
	if spec.Temperature != nil && (*spec.Temperature < 0 || *spec.Temperature > 2) {
		return errs.New(errs.KindValidation, "temperature must be within [0,2]").WithCode("temperature")
	}
	if spec.MaxTokens < 0 {
		return errs.New(errs.KindValidation, "maxTokens must be a positive integer").WithCode("maxTokens")
	}
	if err := ValidateSchema("outputSchema", spec.OutputSchema); err != nil {
		return err
	}
	return ValidateSchema("inputSchema", spec.InputSchema)
}

func validateAgentic(spec *domain.AgenticSpec) error {
	if spec == nil {
		return errs.New(errs.KindValidation, "agentic functions require an agentic spec").WithCode("agentic")
	}
	if strings.TrimSpace(spec.SystemPrompt) == "" {
		return errs.New(errs.KindValidation, "systemPrompt is required").WithCode("systemPrompt")
	}
	if strings.TrimSpace(spec.Goal) == "" {
		return errs.New(errs.KindValidation, "goal is required").WithCode("goal")
	}
	if spec.MaxIterations < 0 {
		return errs.New(errs.KindValidation, "maxIterations must be a positive integer").WithCode("maxIterations")
	}
	if spec.TokenBudget < 0 {
		return errs.New(errs.KindValidation, "tokenBudget must be a positive integer").WithCode("tokenBudget")
	}
	seen := make(map[string]bool, len(spec.Tools))
	for _, t := range spec.Tools {
		if strings.TrimSpace(t.Name) == "" {
			return errs.New(errs.KindValidation, "tool name is required").WithCode("tools")
		}
		if seen[t.Name] {
			return errs.New(errs.KindValidation, fmt.Sprintf("duplicate tool name %q", t.Name)).WithCode("tools")
		}
		seen[t.Name] = true
		switch t.Implementation.Type {
		case domain.ToolImplBuiltin, domain.ToolImplAPI, domain.ToolImplInline, domain.ToolImplFunction:
		default:
			return errs.New(errs.KindValidation, fmt.Sprintf("unknown tool implementation type %q", t.Implementation.Type)).WithCode("tools")
		}
	}
	return ValidateSchema("outputSchema", spec.OutputSchema)
}

func validateHuman(spec *domain.HumanSpec) error {
	if spec == nil {
		return nil // interactionType defaults to approval per spec §4.6
	}
	for _, a := range spec.Assignees {
		if strings.TrimSpace(a.Type) == "" || strings.TrimSpace(a.Value) == "" {
			return errs.New(errs.KindValidation, "assignees require both type and value").WithCode("assignees")
		}
	}
	return nil
}

func validateCascade(spec *domain.CascadeSpec) error {
	if spec == nil || len(spec.Steps) == 0 {
		return errs.New(errs.KindValidation, "cascade functions require at least one step").WithCode("steps")
	}
	for i, s := range spec.Steps {
		if strings.TrimSpace(s.FunctionID) == "" {
			return errs.New(errs.KindValidation, fmt.Sprintf("step %d is missing functionId", i)).WithCode("steps")
		}
	}
	switch spec.ErrorHandling {
	case "", domain.ErrorHandlingFailFast, domain.ErrorHandlingContinue, domain.ErrorHandlingBestEffort:
	default:
		return errs.New(errs.KindValidation, fmt.Sprintf("unknown errorHandling %q", spec.ErrorHandling)).WithCode("errorHandling")
	}
	return nil
}

// ValidateDeploySafe is the fallible surface: it never panics and always
// returns a Result, preferred by call sites on the hot path.
func ValidateDeploySafe(meta *domain.FunctionMetadata, bodySize int64) Result[*domain.FunctionMetadata] {
	if err := ValidateDeploy(meta, bodySize); err != nil {
		return Fail[*domain.FunctionMetadata](errs.Classify(err))
	}
	return Ok(meta)
}

// ParseMetadataJSON parses persisted JSON into a FunctionMetadata and
// validates its structural assumptions, raising a ValidationError with
// context rather than silently coercing malformed records (spec §4.8).
func ParseMetadataJSON(data []byte) (*domain.FunctionMetadata, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var meta domain.FunctionMetadata
	if err := dec.Decode(&meta); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "malformed function metadata", err).
			WithContext("bytes", strconv.Itoa(len(data)))
	}
	if err := ValidateDeploy(&meta, int64(len(data))); err != nil {
		return nil, err
	}
	return &meta, nil
}
