package architect

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PromptTemplate is a prompt body preceded by YAML frontmatter describing
// it, the same frontmatter-plus-body shape used for SKILL.md files.
type PromptTemplate struct {
	Meta PromptMeta
	Body string
}

// PromptMeta is the frontmatter a prompt template file may declare.
type PromptMeta struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// LoadPromptTemplate parses a prompt template file's YAML frontmatter
// (delimited by --- lines) followed by a plain-text body, the same
// frontmatter-scanning technique used to parse skill manifests.
func LoadPromptTemplate(path string) (*PromptTemplate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var inFrontmatter bool
	var yamlLines, bodyLines []string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "---" {
			if inFrontmatter {
				inFrontmatter = false
				continue
			}
			if len(yamlLines) == 0 && len(bodyLines) == 0 {
				inFrontmatter = true
				continue
			}
		}
		if inFrontmatter {
			yamlLines = append(yamlLines, line)
		} else {
			bodyLines = append(bodyLines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var meta PromptMeta
	if len(yamlLines) > 0 {
		if err := yaml.Unmarshal([]byte(strings.Join(yamlLines, "\n")), &meta); err != nil {
			return nil, fmt.Errorf("architect: parse prompt frontmatter: %w", err)
		}
	}

	return &PromptTemplate{Meta: meta, Body: strings.TrimSpace(strings.Join(bodyLines, "\n"))}, nil
}
