package workflows

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringField_ExtractsStringValue(t *testing.T) {
	payload := map[string]interface{}{"planPath": "/tmp/plan.md"}
	v, ok := stringField(payload, "planPath")
	assert.True(t, ok)
	assert.Equal(t, "/tmp/plan.md", v)
}

func TestStringField_MissingKeyReturnsFalse(t *testing.T) {
	_, ok := stringField(map[string]interface{}{}, "planPath")
	assert.False(t, ok)
}

func TestStringField_NonMapPayloadReturnsFalse(t *testing.T) {
	_, ok := stringField("not a map", "planPath")
	assert.False(t, ok)
}

func TestSliceField_ExtractsStringSlice(t *testing.T) {
	payload := map[string]interface{}{"issues": []interface{}{"a", "b"}}
	v, ok := sliceField(payload, "issues")
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, v)
}

func TestSliceField_MissingKeyReturnsFalse(t *testing.T) {
	_, ok := sliceField(map[string]interface{}{}, "issues")
	assert.False(t, ok)
}
