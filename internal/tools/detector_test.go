package tools

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDetectImageWithAspectRatio(t *testing.T) {
	d := DefaultDetector()

	got := d.Detect("generate an image of a sunset, 16:9")
	if !got.ShouldGenerate || got.ToolType != ToolImage {
		t.Fatalf("expected image detection, got %+v", got)
	}
	if got.Params.AspectRatio != "16:9" {
		t.Fatalf("expected 16:9, got %q", got.Params.AspectRatio)
	}
	if got.Params.Prompt != "a sunset" {
		t.Fatalf("expected prompt %q, got %q", "a sunset", got.Params.Prompt)
	}
}

func TestDetectPlainChat(t *testing.T) {
	d := DefaultDetector()

	for _, text := range []string{"hello, how are you?", "", "   ", "thanks for the summary"} {
		got := d.Detect(text)
		if got.ShouldGenerate || got.ToolType != ToolNone {
			t.Fatalf("%q: expected no tool, got %+v", text, got)
		}
	}
}

func TestDetectVideoBeatsImage(t *testing.T) {
	d := DefaultDetector()

	got := d.Detect("create a video and an image of a cat")
	if got.ToolType != ToolVideo {
		t.Fatalf("expected video to win, got %s", got.ToolType)
	}
}

func TestDetectSlashCommandBeatsCues(t *testing.T) {
	d := DefaultDetector()

	got := d.Detect("/search video editing tips")
	if got.ToolType != ToolSearch {
		t.Fatalf("expected search, got %s", got.ToolType)
	}
	if got.Params.Prompt != "video editing tips" {
		t.Fatalf("unexpected prompt %q", got.Params.Prompt)
	}

	unknown := d.Detect("/unknown hello there")
	if unknown.ShouldGenerate {
		t.Fatalf("unknown command should fall through, got %+v", unknown)
	}
}

func TestDetectVideoParams(t *testing.T) {
	d := DefaultDetector()

	got := d.Detect("make a 10 second video of waves in 1080p, portrait format")
	if got.ToolType != ToolVideo {
		t.Fatalf("expected video, got %s", got.ToolType)
	}
	want := Params{Prompt: "waves", AspectRatio: "9:16", Resolution: "1080p", Duration: 10}
	if !reflect.DeepEqual(got.Params, want) {
		t.Fatalf("expected %+v, got %+v", want, got.Params)
	}
}

func TestDetectImageCount(t *testing.T) {
	d := DefaultDetector()

	got := d.Detect("draw 3 images of a red fox")
	if got.ToolType != ToolImage || got.Params.Count != 3 {
		t.Fatalf("expected 3 images, got %+v", got)
	}
	if got.Params.Prompt != "a red fox" {
		t.Fatalf("unexpected prompt %q", got.Params.Prompt)
	}

	clamped := d.Detect("generate 9 pictures of cats")
	if clamped.Params.Count != 4 {
		t.Fatalf("expected count clamped to 4, got %d", clamped.Params.Count)
	}
}

func TestDetectMultiAgentMentions(t *testing.T) {
	d := DefaultDetector()

	got := d.Detect("@alice @bob what do you think of our pricing?")
	if got.ToolType != ToolMultiAgent {
		t.Fatalf("expected multi_agent, got %s", got.ToolType)
	}
	if !reflect.DeepEqual(got.Params.Agents, []string{"alice", "bob"}) {
		t.Fatalf("unexpected agents %v", got.Params.Agents)
	}
	if got.Params.Prompt != "what do you think of our pricing?" {
		t.Fatalf("unexpected prompt %q", got.Params.Prompt)
	}

	single := d.Detect("@alice can you help?")
	if single.ShouldGenerate {
		t.Fatalf("one mention is ordinary chat, got %+v", single)
	}
}

func TestDetectIsDeterministic(t *testing.T) {
	d := DefaultDetector()
	inputs := []string{
		"generate an image of a sunset, 16:9",
		"make a 5s clip of rain",
		"search for the latest news on go generics",
		"hello",
	}
	for _, text := range inputs {
		first := d.Detect(text)
		for i := 0; i < 5; i++ {
			if again := d.Detect(text); !reflect.DeepEqual(first, again) {
				t.Fatalf("%q: detection changed between calls: %+v vs %+v", text, first, again)
			}
		}
	}
}

func TestParseRulesOverridesDefaults(t *testing.T) {
	rules, err := ParseRules([]byte(`
tools:
  image:
    priority: 5
    verbs: [imagine]
    nouns: [scene]
aspect_ratios: ["1:1"]
`))
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}
	d, err := NewDetector(rules)
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}

	got := d.Detect("imagine a scene with dragons, 16:9")
	if got.ToolType != ToolImage {
		t.Fatalf("expected image, got %+v", got)
	}
	if got.Params.AspectRatio != "" {
		t.Fatalf("16:9 is not an allowed ratio, got %q", got.Params.AspectRatio)
	}
	if got.Params.Prompt != "dragons, 16:9" {
		t.Fatalf("unexpected prompt %q", got.Params.Prompt)
	}

	if other := d.Detect("generate a video of waves"); other.ShouldGenerate {
		t.Fatalf("video is not configured, got %+v", other)
	}
}

func TestParseRulesRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown tool": "tools:\n  audio:\n    commands: [/audio]\n",
		"bad command":  "tools:\n  image:\n    commands: [\"image now\"]\n",
		"no cues":      "tools:\n  image:\n    priority: 1\n",
		"bad ratio":    "aspect_ratios: [\"wide\"]\n",
		"bad yaml":     "tools: [",
	}
	for name, doc := range cases {
		if _, err := ParseRules([]byte(doc)); !errors.Is(err, ErrInvalidRules) {
			t.Fatalf("%s: expected ErrInvalidRules, got %v", name, err)
		}
	}
}

func TestLoadRulesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("max_count: 2\n"), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	if rules.MaxCount != 2 || len(rules.Tools) != len(DefaultRules().Tools) {
		t.Fatalf("expected defaults with max_count 2, got %+v", rules)
	}

	if _, err := LoadRules(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{ErrNotConfigured, KindConfiguration},
		{ErrQuotaExceeded, KindQuota},
		{ErrContentBlocked, KindContentPolicy},
		{errors.New("invalid API key supplied"), KindConfiguration},
		{errors.New("Rate limit reached for model"), KindQuota},
		{errors.New("response blocked by safety system"), KindContentPolicy},
		{errors.New("connection reset by peer"), KindUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("%v: expected %s, got %s", tc.err, tc.want, got)
		}
	}
}
