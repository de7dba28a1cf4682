package pseudonym

import (
	"context"

	"ehrbridge/internal/platform/logger"
)

// CiphertextSuffix names the staging column that keeps the recoverable
// ciphertext next to the handle column
const CiphertextSuffix = "_ciphertext"

// Provider is an external pseudonymisation service, typically a trusted
// third party like gPAS. A nil Provider means local encryption only
type Provider interface {
	GetOrCreatePseudonym(ctx context.Context, value, domain string) (string, error)
}

// FieldConfig controls the transform for one staging column
type FieldConfig struct {
	Enabled bool
	Prefix  string
	Domain  string
}

// Transformer applies the configured field transforms to raw rows before
// they are staged
type Transformer struct {
	cipher   *Cipher
	provider Provider
	fields   map[string]FieldConfig
	maxLen   int
	log      logger.Logger
}

// NewTransformer wires a transformer. maxLen <= 0 uses DefaultHandleLen
func NewTransformer(c *Cipher, p Provider, fields map[string]FieldConfig, maxLen int) *Transformer {
	if maxLen <= 0 {
		maxLen = DefaultHandleLen
	}
	return &Transformer{
		cipher:   c,
		provider: p,
		fields:   fields,
		maxLen:   maxLen,
		log:      *logger.Named("pseudonym"),
	}
}

// CiphertextColumn returns the staging column name holding a field's ciphertext
func CiphertextColumn(field string) string { return field + CiphertextSuffix }

// Enabled reports whether a column is configured for transformation
func (t *Transformer) Enabled(field string) bool {
	if t == nil {
		return false
	}
	return t.fields[field].Enabled
}

// TransformRow replaces every configured field value in the row with its
// handle and adds the ciphertext column. Values that are absent or empty
// pass through untouched. The provider is tried first when the field names
// a domain; provider failure falls back to the local cipher so a TTP outage
// never stalls the pipeline
func (t *Transformer) TransformRow(ctx context.Context, row map[string]any) error {
	if t == nil {
		return nil
	}
	for field, fc := range t.fields {
		if !fc.Enabled {
			continue
		}
		raw, ok := row[field].(string)
		if !ok || raw == "" {
			continue
		}

		if t.provider != nil && fc.Domain != "" {
			psn, err := t.provider.GetOrCreatePseudonym(ctx, Sanitize(raw), fc.Domain)
			if err == nil {
				row[field] = psn
				continue
			}
			t.log.Warn().Err(err).Str("field", field).Str("domain", fc.Domain).
				Msg("provider pseudonym failed, falling back to local cipher")
		}

		handle, ct, err := t.encryptField(fc.Prefix, raw)
		if err != nil {
			return err
		}
		row[field] = handle
		row[CiphertextColumn(field)] = ct
	}
	return nil
}

func (t *Transformer) encryptField(prefix, value string) (handle, ciphertext string, err error) {
	ct, err := t.cipher.Encrypt(value)
	if err != nil {
		return "", "", err
	}
	return Handle(prefix, ct, t.maxLen), ct, nil
}
