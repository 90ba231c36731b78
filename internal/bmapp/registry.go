package bmapp

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Box é uma AI box cadastrada no arquivo de registro.
type Box struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	APIURL string `yaml:"api_url" json:"api_url"`
	WSURL  string `yaml:"ws_url" json:"ws_url"`
	Active bool   `yaml:"active" json:"active"`
}

type registryFile struct {
	Boxes []Box `yaml:"boxes"`
}

// BoxSource devolve as boxes conhecidas.
type BoxSource interface {
	Boxes(ctx context.Context) ([]Box, error)
}

// FileRegistry relê o YAML a cada chamada, então edições valem no próximo tick.
type FileRegistry struct {
	Path string
}

func (r FileRegistry) Boxes(_ context.Context) ([]Box, error) {
	data, err := os.ReadFile(r.Path)
	if err != nil {
		return nil, fmt.Errorf("ler registro %s: %w", r.Path, err)
	}
	return ParseRegistry(data)
}

func ParseRegistry(data []byte) ([]Box, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("yaml do registro inválido: %w", err)
	}
	seen := make(map[string]bool, len(f.Boxes))
	out := make([]Box, 0, len(f.Boxes))
	for i, b := range f.Boxes {
		b.ID = strings.TrimSpace(b.ID)
		if b.ID == "" {
			return nil, fmt.Errorf("box #%d sem id", i)
		}
		if seen[b.ID] {
			return nil, fmt.Errorf("box %q duplicada", b.ID)
		}
		seen[b.ID] = true
		if b.Name == "" {
			b.Name = b.ID
		}
		out = append(out, b)
	}
	return out, nil
}

// StaticBoxes é um BoxSource fixo (testes e CLI).
type StaticBoxes []Box

func (s StaticBoxes) Boxes(context.Context) ([]Box, error) { return s, nil }

func activeBoxes(boxes []Box) []Box {
	out := boxes[:0:0]
	for _, b := range boxes {
		if b.Active {
			out = append(out, b)
		}
	}
	return out
}
