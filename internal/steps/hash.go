package steps

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

type hashParams struct {
	// Field names the item field to digest; empty digests the whole item JSON.
	Field     string `json:"field"`
	Algorithm string `json:"algorithm"`
	// Key switches to HMAC.
	Key string `json:"key"`
	// Into is the field the hex digest is written to.
	Into string `json:"into"`
}

// hashStep adds a hex digest to every item.
type hashStep struct{}

func (hashStep) Type() string        { return TypeHash }
func (hashStep) Description() string { return "Add a hash or HMAC digest to each item" }

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "", "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
}

func (hashStep) Invoke(_ context.Context, in StepInput) (*Outcome, error) {
	var p hashParams
	if err := in.Bind(&p); err != nil {
		return nil, err
	}
	newHash, err := hashFunc(p.Algorithm)
	if err != nil {
		return nil, err
	}
	into := p.Into
	if into == "" {
		into = "hash"
	}

	main := in.Main()
	out := make(schema.ItemSet, len(main))
	for i, item := range main {
		data, err := digestInput(item, p.Field)
		if err != nil {
			return nil, err
		}

		var h hash.Hash
		if p.Key != "" {
			h = hmac.New(newHash, []byte(p.Key))
		} else {
			h = newHash()
		}
		h.Write(data)

		obj := expressions.CopyJSON(item.JSON)
		if obj == nil {
			obj = map[string]any{}
		}
		obj[into] = hex.EncodeToString(h.Sum(nil))
		out[i] = derive(obj, 0, i)
	}
	return Emit(out), nil
}

func digestInput(item schema.Item, field string) ([]byte, error) {
	if field == "" {
		return json.Marshal(item.JSON)
	}
	switch v := item.JSON[field].(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal field %q: %w", field, err)
		}
		return b, nil
	}
}
