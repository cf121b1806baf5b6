package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadstub/gateway/internal/domain"
	"github.com/loadstub/gateway/internal/errs"
)

func TestValidateID_BoundaryLength(t *testing.T) {
	ok := strings.Repeat("a", MaxIDLength)
	require.NoError(t, ValidateID(ok))

	bad := strings.Repeat("a", MaxIDLength+1)
	err := ValidateID(bad)
	require.Error(t, err)
}

func TestValidateID_Grammar(t *testing.T) {
	require.NoError(t, ValidateID("sum"))
	require.NoError(t, ValidateID("my-func_2"))
	require.Error(t, ValidateID("-bad"))
	require.Error(t, ValidateID("1bad"))
	require.Error(t, ValidateID("bad__double"))
	require.Error(t, ValidateID(""))
}

func TestValidateVersion(t *testing.T) {
	require.NoError(t, ValidateVersion("1.0.0"))
	require.NoError(t, ValidateVersion("1.0.0-alpha.1+build.5"))
	require.Error(t, ValidateVersion("01.0.0"))
	require.Error(t, ValidateVersion("v1.0.0"))
	require.Error(t, ValidateVersion("1.0"))
}

func TestValidateEntryPoint(t *testing.T) {
	require.NoError(t, ValidateEntryPoint("src/index.js"))
	require.Error(t, ValidateEntryPoint("/abs/index.js"))
	require.Error(t, ValidateEntryPoint("../escape.js"))
	require.Error(t, ValidateEntryPoint("a//b.js"))
}

func TestValidateSchema_BoundaryBytes(t *testing.T) {
	const prefix, suffix = `{"a":"`, `"}`
	fill := MaxSchemaBytes - len(prefix) - len(suffix)
	exact := []byte(prefix + strings.Repeat("x", fill) + suffix)
	require.Len(t, exact, MaxSchemaBytes)
	require.NoError(t, ValidateSchema("outputSchema", exact))

	tooBig := append(exact[:len(exact)-2], []byte(`x"}`)...)
	err := ValidateSchema("outputSchema", tooBig)
	require.Error(t, err)
}

func TestValidateDeploy_FirstErrorWins(t *testing.T) {
	meta := &domain.FunctionMetadata{ID: "-bad", Version: "1.0", Kind: domain.KindCode,
		Code: &domain.CodeSpec{Language: "ruby"}}
	err := ValidateDeploy(meta, 10)
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "id", e.Code)

	meta.ID = "ok"
	err = ValidateDeploy(meta, 10)
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "version", e.Code)

	meta.Version = "1.0.0"
	err = ValidateDeploy(meta, 10)
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "language", e.Code)
}

func TestValidateDeploy_PayloadTooLarge(t *testing.T) {
	meta := &domain.FunctionMetadata{ID: "ok", Version: "1.0.0", Kind: domain.KindCode}
	err := ValidateDeploy(meta, MaxDeployBodyBytes+1)
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindPayloadTooLarge, e.Kind)
}

func TestValidateGenerative_TemperatureBoundary(t *testing.T) {
	zero, two, over, under := 0.0, 2.0, 2.1, -0.1
	base := func(t *float64) *domain.GenerativeSpec {
		return &domain.GenerativeSpec{UserPrompt: "hi", Temperature: t}
	}
	require.NoError(t, validateGenerative(base(&zero)))
	require.NoError(t, validateGenerative(base(&two)))
	require.Error(t, validateGenerative(base(&over)))
	require.Error(t, validateGenerative(base(&under)))
}
