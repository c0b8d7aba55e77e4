// Package content loads the portfolio knowledge base the assistant answers
// from. A YAML document on disk overrides the embedded default.
package content

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nulpointcorp/portfolio-gateway/internal/chat"
)

//go:embed default.yaml
var defaultDocument []byte

// Item is a project or a position.
type Item struct {
	Title    string   `yaml:"title" validate:"required"`
	Subtitle string   `yaml:"subtitle"`
	Period   string   `yaml:"period"`
	Summary  string   `yaml:"summary" validate:"required"`
	Tags     []string `yaml:"tags"`
	URL      string   `yaml:"url" validate:"omitempty,url"`
}

// Document is the on-disk shape of the knowledge base.
type Document struct {
	Owner      string   `yaml:"owner" validate:"required"`
	Headline   string   `yaml:"headline" validate:"required"`
	Location   string   `yaml:"location"`
	Summary    string   `yaml:"summary"`
	Contact    string   `yaml:"contact"`
	Skills     []string `yaml:"skills" validate:"dive,required"`
	Projects   []Item   `yaml:"projects" validate:"dive"`
	Experience []Item   `yaml:"experience" validate:"dive"`
}

var validate = validator.New()

// Default returns the embedded knowledge base.
func Default() (*Document, error) {
	return Parse(defaultDocument)
}

// Load reads path, or returns the embedded default when path is empty.
func Load(path string) (*Document, error) {
	if path == "" {
		return Default()
	}
	// #nosec G304 -- operator-supplied content path
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("content: read %s: %w", path, err)
	}
	doc, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("content: %s: %w", path, err)
	}
	return doc, nil
}

// Parse decodes and validates a YAML document.
func Parse(b []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := validate.Struct(&doc); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make([]string, 0, len(ve))
			for _, fe := range ve {
				fields = append(fields, fe.Namespace()+" ("+fe.Tag()+")")
			}
			return nil, fmt.Errorf("invalid document: %s", strings.Join(fields, ", "))
		}
		return nil, fmt.Errorf("invalid document: %w", err)
	}
	return &doc, nil
}

// Knowledge converts the document for the prompt composer.
func (d *Document) Knowledge() chat.Knowledge {
	return chat.Knowledge{
		Owner:      strings.TrimSpace(d.Owner),
		Headline:   strings.TrimSpace(d.Headline),
		Location:   strings.TrimSpace(d.Location),
		Summary:    strings.TrimSpace(d.Summary),
		Skills:     d.Skills,
		Projects:   toItems(d.Projects),
		Experience: toItems(d.Experience),
		Contact:    strings.TrimSpace(d.Contact),
	}
}

func toItems(in []Item) []chat.KnowledgeItem {
	out := make([]chat.KnowledgeItem, 0, len(in))
	for _, it := range in {
		out = append(out, chat.KnowledgeItem{
			Title:    strings.TrimSpace(it.Title),
			Subtitle: strings.TrimSpace(it.Subtitle),
			Period:   strings.TrimSpace(it.Period),
			Summary:  strings.TrimSpace(it.Summary),
			Tags:     it.Tags,
			URL:      it.URL,
		})
	}
	return out
}
