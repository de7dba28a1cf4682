package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"ehrbridge/internal/core/fhirmap"
	"ehrbridge/internal/platform/net/http/bind"

	perr "ehrbridge/internal/platform/errors"
)

// ConsentName is the resource whose rows get grouping semantics
const ConsentName = "consent"

// Resource is one fully loaded resource definition: the catalogue entry
// from resource.yml joined with its mapping file
type Resource struct {
	Name     string
	Priority int
	GroupBy  string
	Required []string

	Template      fhirmap.Template
	QueryTemplate string
	Parameters    map[string]string
}

// Lower is the canonical identifier: lowercased name, also the staging
// table name
func (r Resource) Lower() string { return strings.ToLower(r.Name) }

// IsConsent reports whether this resource takes the consent grouping path
func (r Resource) IsConsent() bool { return r.Lower() == ConsentName }

type catalogue struct {
	Resources []catalogueEntry `yaml:"resources" validate:"min=1,dive"`
}

type catalogueEntry struct {
	Name           string   `yaml:"name" validate:"required"`
	Priority       int      `yaml:"priority" validate:"gte=0"`
	MappingFile    string   `yaml:"mapping_file" validate:"required"`
	RequiredFields []string `yaml:"required_fields"`
	GroupBy        string   `yaml:"group_by"`
}

type mappingFile struct {
	Mappings      yaml.Node      `yaml:"mappings"`
	QueryTemplate string         `yaml:"query_template"`
	Parameters    map[string]any `yaml:"parameters"`
}

// LoadResources reads resource.yml and every referenced mapping file.
// Relative mapping paths resolve against the catalogue's directory
func LoadResources(path string) ([]Resource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeConfig, "read resource catalogue %s", path)
	}
	var cat catalogue
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeConfig, "parse resource catalogue %s", path)
	}
	if err := bind.ValidateStruct(&cat); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeConfig, "invalid resource catalogue %s", path)
	}

	base := filepath.Dir(path)
	seen := map[string]bool{}
	out := make([]Resource, 0, len(cat.Resources))
	for _, e := range cat.Resources {
		lower := strings.ToLower(e.Name)
		if seen[lower] {
			return nil, perr.Configf("duplicate resource %q in catalogue", e.Name)
		}
		seen[lower] = true

		mp := e.MappingFile
		if !filepath.IsAbs(mp) {
			mp = filepath.Join(base, mp)
		}
		res, err := loadMapping(mp, e)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// loadMapping reads one per-resource mapping file. The file is keyed by the
// resource name; the lookup is case insensitive
func loadMapping(path string, e catalogueEntry) (Resource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Resource{}, perr.Wrapf(err, perr.ErrorCodeConfig, "read mapping file %s", path)
	}

	var byName map[string]mappingFile
	if err := yaml.Unmarshal(raw, &byName); err != nil {
		return Resource{}, perr.Wrapf(err, perr.ErrorCodeConfig, "parse mapping file %s", path)
	}

	var (
		mf    mappingFile
		found bool
	)
	for k, v := range byName {
		if strings.EqualFold(k, e.Name) {
			mf, found = v, true
			break
		}
	}
	if !found {
		return Resource{}, perr.Configf("mapping file %s has no entry for resource %q", path, e.Name)
	}
	if strings.TrimSpace(mf.QueryTemplate) == "" {
		return Resource{}, perr.Configf("resource %q has no query_template", e.Name)
	}

	tpl, err := templateFromNode(&mf.Mappings)
	if err != nil {
		return Resource{}, perr.Wrapf(err, perr.ErrorCodeConfig, "resource %q mappings", e.Name)
	}

	params := make(map[string]string, len(mf.Parameters))
	for k, v := range mf.Parameters {
		params[k] = fmt.Sprintf("%v", v)
	}

	return Resource{
		Name:          e.Name,
		Priority:      e.Priority,
		GroupBy:       e.GroupBy,
		Required:      e.RequiredFields,
		Template:      tpl,
		QueryTemplate: mf.QueryTemplate,
		Parameters:    params,
	}, nil
}

// templateFromNode decodes the mapping tree and captures the authored top
// level key order, which plain map decoding would lose
func templateFromNode(n *yaml.Node) (fhirmap.Template, error) {
	if n.Kind == 0 || n.IsZero() {
		return fhirmap.Template{}, perr.Configf("missing mappings block")
	}
	if n.Kind != yaml.MappingNode {
		return fhirmap.Template{}, perr.Configf("mappings must be a mapping, got %v", n.Tag)
	}

	var root map[string]any
	if err := n.Decode(&root); err != nil {
		return fhirmap.Template{}, err
	}

	order := make([]string, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		order = append(order, n.Content[i].Value)
	}
	return fhirmap.Template{Root: root, Order: order}, nil
}
