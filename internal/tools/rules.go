package tools

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type ToolType string

const (
	ToolNone       ToolType = "none"
	ToolImage      ToolType = "image"
	ToolVideo      ToolType = "video"
	ToolSearch     ToolType = "search"
	ToolMultiAgent ToolType = "multi_agent"
)

func (t ToolType) Valid() bool {
	switch t {
	case ToolImage, ToolVideo, ToolSearch, ToolMultiAgent:
		return true
	default:
		return false
	}
}

var ErrInvalidRules = errors.New("tools: invalid rule set")

// Rule describes how one tool is recognised. A tool matches when a command
// opens the text, a phrase occurs anywhere, or one verb and one noun both
// occur. MinMentions > 0 also matches on that many distinct @mentions.
type Rule struct {
	Priority    int      `yaml:"priority"`
	Commands    []string `yaml:"commands"`
	Verbs       []string `yaml:"verbs"`
	Nouns       []string `yaml:"nouns"`
	Phrases     []string `yaml:"phrases"`
	MinMentions int      `yaml:"min_mentions"`
}

type RuleSet struct {
	Tools        map[ToolType]Rule `yaml:"tools"`
	AspectRatios []string          `yaml:"aspect_ratios"`
	MaxCount     int               `yaml:"max_count"`
	MaxDuration  int               `yaml:"max_duration"`
}

func DefaultRules() RuleSet {
	return RuleSet{
		Tools: map[ToolType]Rule{
			ToolVideo: {
				Priority: 40,
				Commands: []string{"/video", "/clip"},
				Verbs:    []string{"generate", "create", "make", "render", "produce", "film", "shoot", "animate"},
				Nouns:    []string{"video", "videos", "clip", "clips", "animation", "movie", "footage"},
				Phrases:  []string{"text to video"},
			},
			ToolImage: {
				Priority: 30,
				Commands: []string{"/image", "/img", "/draw"},
				Verbs:    []string{"generate", "create", "draw", "make", "paint", "render", "design", "sketch", "illustrate"},
				Nouns:    []string{"image", "images", "picture", "pictures", "photo", "photos", "illustration", "illustrations", "drawing", "logo", "poster", "wallpaper", "artwork"},
				Phrases:  []string{"draw me", "paint me", "text to image"},
			},
			ToolMultiAgent: {
				Priority:    20,
				Commands:    []string{"/team", "/agents"},
				Verbs:       []string{"ask", "discuss", "brainstorm", "collaborate", "debate", "review"},
				Nouns:       []string{"team", "agents", "everyone", "panel", "colleagues"},
				Phrases:     []string{"ask the team", "team discussion"},
				MinMentions: 2,
			},
			ToolSearch: {
				Priority: 10,
				Commands: []string{"/search", "/web"},
				Verbs:    []string{"search", "look up", "google", "find", "browse"},
				Nouns:    []string{"web", "internet", "online", "news", "latest"},
				Phrases:  []string{"search for", "search the web", "look up", "latest news"},
			},
		},
		AspectRatios: []string{"1:1", "16:9", "9:16", "4:3", "3:4", "3:2", "2:3", "21:9"},
		MaxCount:     4,
		MaxDuration:  60,
	}
}

// LoadRules reads a YAML rule file. Sections missing from the file keep
// their defaults.
func LoadRules(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("tools: read rules %s: %w", path, err)
	}
	return ParseRules(data)
}

func ParseRules(data []byte) (RuleSet, error) {
	var parsed RuleSet
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return RuleSet{}, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}

	rules := DefaultRules()
	if len(parsed.Tools) > 0 {
		rules.Tools = parsed.Tools
	}
	if len(parsed.AspectRatios) > 0 {
		rules.AspectRatios = parsed.AspectRatios
	}
	if parsed.MaxCount > 0 {
		rules.MaxCount = parsed.MaxCount
	}
	if parsed.MaxDuration > 0 {
		rules.MaxDuration = parsed.MaxDuration
	}

	if err := rules.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rules, nil
}

func (r RuleSet) Validate() error {
	if len(r.Tools) == 0 {
		return fmt.Errorf("%w: no tools configured", ErrInvalidRules)
	}
	for tool, rule := range r.Tools {
		if !tool.Valid() {
			return fmt.Errorf("%w: unknown tool %q", ErrInvalidRules, tool)
		}
		if rule.Priority < 0 {
			return fmt.Errorf("%w: %s priority must not be negative", ErrInvalidRules, tool)
		}
		hasCue := len(rule.Commands) > 0 || len(rule.Phrases) > 0 || rule.MinMentions > 0 ||
			(len(rule.Verbs) > 0 && len(rule.Nouns) > 0)
		if !hasCue {
			return fmt.Errorf("%w: %s has no way to match", ErrInvalidRules, tool)
		}
		for _, cmd := range rule.Commands {
			if !strings.HasPrefix(cmd, "/") || strings.ContainsAny(cmd, " \t") {
				return fmt.Errorf("%w: %s command %q must be a single /word", ErrInvalidRules, tool, cmd)
			}
		}
	}
	for _, ratio := range r.AspectRatios {
		if _, ok := parseRatio(ratio); !ok {
			return fmt.Errorf("%w: aspect ratio %q", ErrInvalidRules, ratio)
		}
	}
	return nil
}
