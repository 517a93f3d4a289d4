package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateMinimal(t *testing.T) {
	doc, err := NewValidator().Validate(map[string]interface{}{"image": "web:1"})
	require.NoError(t, err)
	assert.Empty(t, doc.Env())
}

func TestValidateRejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		v    interface{}
	}{
		{"not an object", []interface{}{"image"}},
		{"nil", nil},
		{"no image", map[string]interface{}{"cmd": "run"}},
		{"empty image", map[string]interface{}{"image": ""}},
		{"image not a string", map[string]interface{}{"image": 3}},
		{"environment not a list", map[string]interface{}{"image": "i", "environment": "PATH"}},
		{"environment entry not an object", map[string]interface{}{"image": "i", "environment": []interface{}{"PATH"}}},
		{"environment entry without name", map[string]interface{}{
			"image":       "i",
			"environment": []interface{}{map[string]interface{}{"value": "x"}},
		}},
		{"environment entry without value", map[string]interface{}{
			"image":       "i",
			"environment": []interface{}{map[string]interface{}{"name": "X"}},
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewValidator().Validate(tc.v)
			assert.Error(t, err)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	_, err := NewValidator().Validate(map[string]interface{}{
		"environment": []interface{}{"PATH", map[string]interface{}{"name": "X"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image")
	assert.Contains(t, err.Error(), "entry 0")
	assert.Contains(t, err.Error(), "entry 1")
}

func TestPrependEnv(t *testing.T) {
	doc, err := NewValidator().Validate(map[string]interface{}{
		"image": "web:1",
		"environment": []interface{}{
			map[string]interface{}{"name": "MODE", "value": "prod"},
		},
	})
	require.NoError(t, err)
	doc.PrependEnv("HOST", "10.0.0.1")
	require.Len(t, doc.Env(), 2)
	assert.Equal(t, EnvEntry{Name: "HOST", Value: "10.0.0.1"}, doc.Env()[0])
	assert.Equal(t, EnvEntry{Name: "MODE", Value: "prod"}, doc.Env()[1])
}

func TestEncode(t *testing.T) {
	doc, err := NewValidator().Validate(map[string]interface{}{
		"image": "web:1",
		"cmd":   []interface{}{"serve", "--port", "80"},
	})
	require.NoError(t, err)
	doc.PrependEnv("HOST", "10.0.0.1")
	out, err := doc.Encode()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "web:1", decoded["image"])
	assert.Equal(t, []interface{}{"serve", "--port", "80"}, decoded["cmd"])
	assert.Equal(t, []interface{}{
		map[string]interface{}{"name": "HOST", "value": "10.0.0.1"},
	}, decoded["environment"])
}
