package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"
)

// document is one parsed configuration source.
type document interface {
	apply(config *Config) hcl.Diagnostics
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func isHCL(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == ".hcl"
}

// ParseConfigFiles parses sources in order. A string names a file or a
// directory, which is walked for .hcl, .yaml and .yml files; []byte is HCL
// source.
func ParseConfigFiles(sources ...any) ([]document, hcl.Diagnostics) {
	parser := hclparse.NewParser()
	var diags hcl.Diagnostics
	docs := make([]document, 0)

	for _, source := range sources {
		switch v := source.(type) {
		case string:
			info, err := os.Stat(v)
			if err != nil {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Failed to stat file",
					Detail:   fmt.Sprintf("Error statting %s: %s", v, err),
				})
				continue
			}

			if info.IsDir() {
				newDocs, newDiags := parseDirectory(parser, v)
				diags = diags.Extend(newDiags)
				if diags.HasErrors() {
					return nil, diags
				}
				docs = append(docs, newDocs...)
			} else {
				doc, parseDiags := parseFile(parser, v)
				diags = diags.Extend(parseDiags)
				if doc != nil {
					docs = append(docs, doc)
				}
			}
		case []byte:
			filename := fmt.Sprintf("<bytes@%p>", v)
			file, parseDiags := parser.ParseHCL(v, filename)
			diags = diags.Extend(parseDiags)
			if file != nil {
				docs = append(docs, &hclDocument{body: file.Body})
			}
		default:
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid source type",
				Detail:   fmt.Sprintf("Invalid source type: %T", v),
			})
		}
	}

	return docs, diags
}

func parseFile(parser *hclparse.Parser, path string) (document, hcl.Diagnostics) {
	if isYAML(path) {
		return parseYAMLFile(path)
	}

	file, diags := parser.ParseHCLFile(path)
	if file == nil {
		return nil, diags
	}
	return &hclDocument{body: file.Body}, diags
}

func parseYAMLFile(path string) (document, hcl.Diagnostics) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Failed to read file",
			Detail:   fmt.Sprintf("Error reading %s: %s", path, err),
		}}
	}

	doc := &yamlDocument{name: path}
	if err := yaml.Unmarshal(content, &doc.file); err != nil {
		return nil, hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Invalid YAML",
			Detail:   fmt.Sprintf("Error parsing %s: %s", path, err),
		}}
	}
	return doc, nil
}

func parseDirectory(parser *hclparse.Parser, dir string) ([]document, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	docs := make([]document, 0)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Failed to access file or directory",
				Detail:   fmt.Sprintf("Error accessing %s: %s", path, err),
			})
			return nil
		}
		if info.IsDir() || !(isHCL(path) || isYAML(path)) {
			return nil
		}

		doc, parseDiags := parseFile(parser, path)
		diags = diags.Extend(parseDiags)
		if doc != nil {
			docs = append(docs, doc)
		}
		return nil
	})

	if err != nil {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Failed to walk directory",
			Detail:   fmt.Sprintf("Error walking directory %s: %s", dir, err),
		})
	}

	return docs, diags
}
