package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/quotaguard/internal/ratelimit"
	"github.com/keithlinneman/quotaguard/internal/xerrors"
)

// MinWindow is the shortest window a document may configure. Retry hints are
// whole seconds, so shorter windows would always advertise a longer wait than needed.
const MinWindow = time.Second

// Policy holds both limit tables. Tables are read-only once returned.
type Policy struct {
	Mutation ratelimit.Table
	API      ratelimit.Table

	// Source describes where the policy came from, e.g. "defaults" or "s3://bucket/key"
	Source string
	// Digest is the hex sha256 of the raw document, empty for defaults
	Digest string
}

type document struct {
	Mutation map[string]ratelimit.Limit `yaml:"mutation"`
	API      map[string]ratelimit.Limit `yaml:"api"`
}

// Parse decodes and validates a policy document. Unknown keys are rejected
// so a misspelled field does not silently fall back to zero values.
func Parse(raw []byte, source string) (*Policy, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, xerrors.Wrapf(err, "decode policy document from %s", source)
	}

	p := &Policy{
		Mutation: DefaultMutationTable(),
		API:      DefaultAPITable(),
		Source:   source,
		Digest:   digest(raw),
	}
	// nil means the section was absent, an empty map is an explicit "no limits"
	if doc.Mutation != nil {
		p.Mutation = ratelimit.NewTable(doc.Mutation)
	}
	if doc.API != nil {
		p.API = ratelimit.NewTable(doc.API)
	}

	if err := p.Validate(); err != nil {
		return nil, xerrors.Wrapf(err, "invalid policy document from %s", source)
	}
	return p, nil
}

// Validate reports every invalid limit in both tables.
func (p *Policy) Validate() error {
	var errs []error
	if err := validateTable(p.Mutation); err != nil {
		errs = append(errs, fmt.Errorf("mutation: %w", err))
	}
	if err := validateTable(p.API); err != nil {
		errs = append(errs, fmt.Errorf("api: %w", err))
	}
	return errors.Join(errs...)
}

func validateTable(t ratelimit.Table) error {
	errs := []error{t.Validate()}
	for _, action := range t.Actions() {
		if w := t[action].Window; w > 0 && w < MinWindow {
			errs = append(errs, fmt.Errorf("action %q: window must be at least %s (got %s)", action, MinWindow, w))
		}
	}
	return errors.Join(errs...)
}

func digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
