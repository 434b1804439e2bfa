// Package uida builds canonical, namespace-scoped identifiers for logical
// records (translation entries, language files) without a central allocator.
//
// A key set is canonicalized to compact JSON with the namespace inserted as a
// reserved key and all object keys sorted, then hashed with package content.
// The same namespace and key map always produce the same bytes and digest,
// regardless of map iteration order.
package uida

import (
	"bytes"
	"encoding/base64"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/SakenW/TH-Suite-sub005/content"
	"github.com/SakenW/TH-Suite-sub005/errors"
)

// ReservedNamespaceKey is inserted into every canonical key set.
const ReservedNamespaceKey = "namespace"

// UIDA is the canonical form of one key set and its derived identifier.
type UIDA struct {
	Namespace string
	Canonical []byte
	Digest    content.ID
	// Display is base64url(Canonical). For debugging and search, never identity.
	Display string
}

// String returns the digest text, which is the identity used across the system.
func (u UIDA) String() string {
	return u.Digest.String()
}

// Encoder generates UIDAs. It is safe for concurrent use.
type Encoder struct {
	registry  *Registry
	algorithm content.Algorithm
	logger    *zap.SugaredLogger
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithRegistry replaces the default namespace registry.
func WithRegistry(r *Registry) Option {
	return func(e *Encoder) { e.registry = r }
}

// WithAlgorithm selects the digest algorithm.
func WithAlgorithm(alg content.Algorithm) Option {
	return func(e *Encoder) { e.algorithm = alg }
}

// WithLogger sets the logger used for registry warnings.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Encoder) { e.logger = l }
}

// NewEncoder returns an encoder backed by DefaultRegistry unless overridden.
func NewEncoder(opts ...Option) *Encoder {
	e := &Encoder{
		algorithm: content.DefaultAlgorithm,
		logger:    zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = DefaultRegistry()
	}
	return e
}

// Registry returns the namespace registry in use.
func (e *Encoder) Registry() *Registry {
	return e.registry
}

// Generate canonicalizes keys under namespace and derives the identifier.
// Unsafe values fail with an ErrCanonicalization-marked error; missing
// required keys only produce a warning.
func (e *Encoder) Generate(namespace string, keys map[string]any) (UIDA, error) {
	if namespace == "" {
		return UIDA{}, canonicalizationError("namespace must not be empty")
	}
	if _, ok := keys[ReservedNamespaceKey]; ok {
		return UIDA{}, canonicalizationError("key %q is reserved", ReservedNamespaceKey)
	}

	if required, known := e.registry.Required(namespace); !known {
		e.logger.Debugw("UIDA namespace not registered", "namespace", namespace)
	} else if missing := missingKeys(required, keys); len(missing) > 0 {
		e.logger.Warnw("UIDA key set is missing required keys",
			"namespace", namespace,
			"missing", missing,
		)
	}

	full := make(map[string]any, len(keys)+1)
	for k, v := range keys {
		full[k] = v
	}
	full[ReservedNamespaceKey] = namespace

	canonical, err := Canonicalize(full)
	if err != nil {
		return UIDA{}, err
	}

	digest, err := content.Compute(canonical, e.algorithm)
	if err != nil {
		return UIDA{}, err
	}

	return UIDA{
		Namespace: namespace,
		Canonical: canonical,
		Digest:    digest,
		Display:   base64.RawURLEncoding.EncodeToString(canonical),
	}, nil
}

// Decode reverses a Display string into its namespace and keys.
// Numbers come back as json.Number.
func Decode(display string) (string, map[string]any, error) {
	raw, err := base64.RawURLEncoding.DecodeString(display)
	if err != nil {
		return "", nil, errors.Mark(errors.Wrap(err, "decode uida display"), errors.ErrInvalidRequest)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var keys map[string]any
	if err := dec.Decode(&keys); err != nil {
		return "", nil, errors.Mark(errors.Wrap(err, "parse uida canonical bytes"), errors.ErrInvalidRequest)
	}

	ns, _ := keys[ReservedNamespaceKey].(string)
	if ns == "" {
		return "", nil, errors.NewInvalidRequestError("uida display carries no namespace")
	}
	delete(keys, ReservedNamespaceKey)
	return ns, keys, nil
}

func missingKeys(required []string, keys map[string]any) []string {
	var missing []string
	for _, k := range required {
		if _, ok := keys[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

func canonicalizationError(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), errors.ErrCanonicalization)
}
