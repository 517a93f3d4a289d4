// Package schema validates expanded service documents and renders the JSON
// bodies written under the services prefix.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// EnvEntry is one entry in a service document's environment list.
type EnvEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Doc is a validated service document. The environment list is kept apart
// from the remaining fields so the engine can prepend entries before the
// document is rendered.
type Doc struct {
	fields map[string]interface{}
	env    []EnvEntry
}

// Validator checks a JSON value against the service document schema.
type Validator interface {
	Validate(v interface{}) (*Doc, error)
}

// NewValidator returns the default service document validator: the document
// must be an object carrying a non-empty "image" string; "environment",
// when present, must be an array of {"name","value"} string pairs. All
// other fields pass through untouched.
func NewValidator() Validator {
	return validator{}
}

type validator struct{}

func (validator) Validate(v interface{}) (*Doc, error) {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("service document must be an object, got %T", v)
	}
	var result *multierror.Error
	img, ok := obj["image"].(string)
	if !ok || img == "" {
		result = multierror.Append(result, fmt.Errorf(`service document needs a non-empty "image" string`))
	}
	var env []EnvEntry
	if raw, present := obj["environment"]; present {
		list, ok := raw.([]interface{})
		if !ok {
			result = multierror.Append(result, fmt.Errorf(`"environment" must be a list, got %T`, raw))
		} else {
			env = make([]EnvEntry, 0, len(list))
			for i, e := range list {
				entry, err := envEntry(e)
				if err != nil {
					result = multierror.Append(result, errors.Wrapf(err, "environment entry %d", i))
					continue
				}
				env = append(env, entry)
			}
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	fields := make(map[string]interface{}, len(obj))
	for k, val := range obj {
		if k == "environment" {
			continue
		}
		fields[k] = val
	}
	return &Doc{fields: fields, env: env}, nil
}

func envEntry(v interface{}) (EnvEntry, error) {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return EnvEntry{}, fmt.Errorf("must be an object, got %T", v)
	}
	name, ok := obj["name"].(string)
	if !ok || name == "" {
		return EnvEntry{}, fmt.Errorf(`needs a non-empty "name" string`)
	}
	value, ok := obj["value"].(string)
	if !ok {
		return EnvEntry{}, fmt.Errorf(`needs a "value" string`)
	}
	return EnvEntry{Name: name, Value: value}, nil
}

// PrependEnv inserts an entry at the head of the environment list, before
// any user-declared entries.
func (d *Doc) PrependEnv(name, value string) {
	d.env = append([]EnvEntry{{Name: name, Value: value}}, d.env...)
}

// Env returns the current environment list.
func (d *Doc) Env() []EnvEntry {
	return d.env
}

// Encode renders the document as its canonical JSON string.
func (d *Doc) Encode() (string, error) {
	out := make(map[string]interface{}, len(d.fields)+1)
	for k, v := range d.fields {
		out[k] = v
	}
	out["environment"] = d.env
	b, err := json.Marshal(out)
	if err != nil {
		return "", errors.Wrap(err, "encode service document")
	}
	return string(b), nil
}
