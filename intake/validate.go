package intake

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/vorion/engine/intent"
)

// Submission size bounds. Context is bounded separately from the whole
// payload so a huge metadata blob cannot ride in under the context cap.
const (
	maxContextBytes     = 64 * 1024
	maxTotalBytes       = 1024 * 1024
	maxTopLevelKeys     = 100
	maxStringLength     = 10000
	redactedPlaceholder = "[REDACTED]"
)

// submissionSchema is the structural contract for submissions. Size and
// string-length bounds are enforced separately, before schema validation.
const submissionSchema = `{
	"type": "object",
	"required": ["entity_id", "goal"],
	"properties": {
		"entity_id": {"type": "string", "minLength": 1, "maxLength": 256},
		"goal": {"type": "string", "minLength": 1, "maxLength": 10000},
		"intent_type": {"type": "string", "maxLength": 128},
		"priority": {"type": "integer", "minimum": 0, "maximum": 1000},
		"context": {"type": "object"},
		"metadata": {"type": "object"},
		"idempotency_key": {"type": "string", "maxLength": 256}
	},
	"additionalProperties": false
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(submissionSchema), &doc); err != nil {
			schemaErr = fmt.Errorf("unmarshal submission schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("submission.json", doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = c.Compile("submission.json")
	})
	return schema, schemaErr
}

// validate checks the submission against the schema and the size bounds.
// Returns the context's serialized size for the metric.
func validate(sub *intent.Submission) (int, error) {
	total, err := json.Marshal(sub)
	if err != nil {
		return 0, intent.WrapError(intent.KindValidation, "unserializable submission", err)
	}
	if len(total) > maxTotalBytes {
		return 0, intent.NewError(intent.KindValidation, "submission too large").
			With("bytes", len(total)).With("max_bytes", maxTotalBytes)
	}

	s, err := compiledSchema()
	if err != nil {
		return 0, intent.WrapError(intent.KindInternal, "submission schema", err)
	}
	var doc any
	if err := json.Unmarshal(total, &doc); err != nil {
		return 0, intent.WrapError(intent.KindValidation, "decode submission", err)
	}
	if err := s.Validate(doc); err != nil {
		return 0, intent.WrapError(intent.KindValidation, "submission schema violation", err)
	}

	ctxBytes, err := json.Marshal(sub.Context)
	if err != nil {
		return 0, intent.WrapError(intent.KindValidation, "unserializable context", err)
	}
	size := len(ctxBytes)
	if size > maxContextBytes {
		return 0, intent.NewError(intent.KindValidation, "context too large").
			With("bytes", size).With("max_bytes", maxContextBytes)
	}
	if len(sub.Context) > maxTopLevelKeys {
		return 0, intent.NewError(intent.KindValidation, "too many context keys").
			With("keys", len(sub.Context)).With("max_keys", maxTopLevelKeys)
	}
	if err := checkStrings(sub.Context, ""); err != nil {
		return 0, err
	}
	if err := checkStrings(sub.Metadata, ""); err != nil {
		return 0, err
	}
	return size, nil
}

// checkStrings walks a JSON-shaped value rejecting over-long strings at any
// depth.
func checkStrings(v any, path string) error {
	switch t := v.(type) {
	case string:
		if len(t) > maxStringLength {
			return intent.NewError(intent.KindValidation, "string value too long").
				With("path", path).With("length", len(t)).With("max_length", maxStringLength)
		}
	case map[string]any:
		for k, child := range t {
			p := k
			if path != "" {
				p = path + "." + k
			}
			if err := checkStrings(child, p); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range t {
			if err := checkStrings(child, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}
