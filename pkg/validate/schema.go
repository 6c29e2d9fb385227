// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

package validate

import (
	"sort"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
)

// SchemaCoverage compares the structure of a values file with the structure
// described by its JSON schema and returns the keys present on one side but
// not the other, prefixed with "values:" or "schema:" accordingly.
//
// Free-form subtrees (labels, extra config passed through verbatim) cannot
// be compared key by key; their dotted prefixes go in ignorePrefixes.
func SchemaCoverage(valuesYAML, schemaYAML []byte, ignorePrefixes []string) ([]string, error) {
	var values map[string]interface{}
	if err := yaml.Unmarshal(valuesYAML, &values); err != nil {
		return nil, errors.Wrap(err, "failed to parse values")
	}
	var schema map[string]interface{}
	if err := yaml.Unmarshal(schemaYAML, &schema); err != nil {
		return nil, errors.Wrap(err, "failed to parse schema")
	}

	valueKeys := flatten(values, "")
	schemaKeys := flatten(reduceSchema(schema), "")

	var mismatches []string
	for key := range valueKeys {
		if !schemaKeys[key] && !ignored(key, ignorePrefixes) {
			mismatches = append(mismatches, "values:"+key)
		}
	}
	for key := range schemaKeys {
		if !valueKeys[key] && !ignored(key, ignorePrefixes) {
			mismatches = append(mismatches, "schema:"+key)
		}
	}
	sort.Strings(mismatches)
	return mismatches, nil
}

// reduceSchema strips a JSON schema down to the value structure it
// describes, ignoring everything apart from nested properties.
func reduceSchema(schema map[string]interface{}) map[string]interface{} {
	reduced := map[string]interface{}{}
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return reduced
	}
	for key, raw := range props {
		if sub, ok := raw.(map[string]interface{}); ok {
			if _, hasProps := sub["properties"]; hasProps {
				reduced[key] = reduceSchema(sub)
				continue
			}
		}
		reduced[key] = nil
	}
	return reduced
}

// flatten returns the dotted leaf keys of a nested map, e.g. hub.image.tag.
// An empty map counts as a leaf.
func flatten(d map[string]interface{}, prefix string) map[string]bool {
	keys := map[string]bool{}
	for k, v := range d {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]interface{}); ok && len(sub) > 0 {
			for nested := range flatten(sub, key) {
				keys[nested] = true
			}
			continue
		}
		keys[key] = true
	}
	return keys
}

func ignored(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if key == p || strings.HasPrefix(key, p+".") {
			return true
		}
	}
	return false
}
