package seed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

// LoadFile reads an ontology seed document from a YAML file.
func LoadFile(path string) (domain.OntologySeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.OntologySeed{}, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes a seed document. Unknown keys are rejected so typos surface at startup.
func Parse(r io.Reader) (domain.OntologySeed, error) {
	var seed domain.OntologySeed
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&seed); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.OntologySeed{}, nil
		}
		return domain.OntologySeed{}, domain.WrapError(domain.ErrInvalidInput, "parse ontology seed", err)
	}
	for i, concept := range seed.Concepts {
		if concept.Name == "" {
			return domain.OntologySeed{}, domain.NewError(domain.ErrInvalidInput, "parse ontology seed", "concept #%d has no name", i+1)
		}
	}
	for i, rel := range seed.Relations {
		if rel.Source == "" || rel.Target == "" {
			return domain.OntologySeed{}, domain.NewError(domain.ErrInvalidInput, "parse ontology seed", "relation #%d needs source and target", i+1)
		}
		if rel.Weight == 0 {
			seed.Relations[i].Weight = 1
		}
	}
	return seed, nil
}
