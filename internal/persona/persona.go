// Package persona builds system prompts from a base prompt file and a set of
// named variants.
package persona

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Variant names shipped by default.
const (
	Cute = "cute"
	Pro  = "pro"
)

// DefaultBase is used when the base prompt file is missing.
const DefaultBase = "You are a helpful assistant."

const proPrompt = "Ты — строгий, профессиональный ассистент. " +
	"Отвечай кратко, фактами, без эмодзи и ласкательных слов. " +
	"Будь точным и информативным."

// Protocol is appended to every variant. It keeps the model from inventing
// real-time facts when search did not return any.
const Protocol = "\n\n[ANTI-HALLUCINATION PROTOCOL]\n" +
	"If the context contains 'SEARCH_FAILED' or does NOT contain relevant internet info, " +
	"and the user asks for real-time facts (weather, prices, news), " +
	"you MUST ADMIT you do not know. " +
	"Do NOT make up data. Check the context carefully.\n" +
	"[FORCE ANSWER]\n" +
	"If specific context regarding weather or news IS provided in the conversation context, " +
	"YOU MUST USE IT to answer the user question directly. Do not apologize about being an AI."

// Profile resolves variant names to full system prompts.
type Profile struct {
	variants map[string]string
	fallback string
}

// variantsFile is the YAML layout of the variants file:
//
//	variants:
//	  cute: ""            # empty means the base prompt
//	  pro: "Be concise."
//	  pirate: "Talk like a pirate."
type variantsFile struct {
	Variants map[string]string `yaml:"variants"`
}

// Load reads the base prompt from basePath and optional variants from
// variantsPath. A missing base file falls back to DefaultBase with a warning;
// a missing or empty variantsPath keeps the built-in cute and pro variants.
func Load(basePath, variantsPath string, logger *zap.Logger) (*Profile, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("persona")

	base := DefaultBase
	if basePath != "" {
		raw, err := os.ReadFile(basePath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logger.Warn("persona prompt file not found, using default", zap.String("path", basePath))
		case err != nil:
			logger.Error("read persona prompt", zap.String("path", basePath), zap.Error(err))
		default:
			if s := strings.TrimSpace(string(raw)); s != "" {
				base = s
			}
		}
	}

	variants := map[string]string{Cute: base, Pro: proPrompt}
	if variantsPath != "" {
		raw, err := os.ReadFile(variantsPath)
		if err != nil {
			return nil, fmt.Errorf("read persona variants: %w", err)
		}
		var vf variantsFile
		if err := yaml.Unmarshal(raw, &vf); err != nil {
			return nil, fmt.Errorf("parse persona variants %s: %w", variantsPath, err)
		}
		for name, prompt := range vf.Variants {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			if strings.TrimSpace(prompt) == "" {
				prompt = base
			}
			variants[name] = strings.TrimSpace(prompt)
		}
	}
	return New(base, variants), nil
}

// New builds a profile from prompts keyed by variant name. Unknown variants
// resolve to base.
func New(base string, variants map[string]string) *Profile {
	p := &Profile{variants: make(map[string]string, len(variants)), fallback: base + Protocol}
	for name, prompt := range variants {
		p.variants[name] = prompt + Protocol
	}
	return p
}

// SystemPrompt returns the full prompt for variant.
func (p *Profile) SystemPrompt(variant string) string {
	if s, ok := p.variants[variant]; ok {
		return s
	}
	return p.fallback
}

// Has reports whether variant is defined.
func (p *Profile) Has(variant string) bool {
	_, ok := p.variants[variant]
	return ok
}

// Names lists the defined variants, sorted.
func (p *Profile) Names() []string {
	names := make([]string, 0, len(p.variants))
	for name := range p.variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
