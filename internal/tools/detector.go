package tools

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Params are the generation parameters pulled out of an utterance.
type Params struct {
	Prompt      string   `json:"prompt"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
	Resolution  string   `json:"resolution,omitempty"`
	Duration    int      `json:"duration,omitempty"`
	Count       int      `json:"count,omitempty"`
	Agents      []string `json:"agents,omitempty"`
}

type Detection struct {
	ShouldGenerate bool     `json:"should_generate"`
	ToolType       ToolType `json:"tool_type"`
	Params         Params   `json:"params"`
}

var (
	ratioPattern      = regexp.MustCompile(`\b(\d{1,2})\s*:\s*(\d{1,2})\b`)
	aspectWordPattern = regexp.MustCompile(`(?i)\b(?:in\s+(landscape|portrait|square)(?:\s+(?:format|orientation|mode))?|(landscape|portrait|square)\s+(?:format|orientation|mode|aspect))\b`)
	resolutionPattern = regexp.MustCompile(`(?i)\b(?:in\s+|at\s+)?(720p|1080p|1440p|2160p|4k|\d{3,4}\s*[x×]\s*\d{3,4})\b`)
	durationPattern   = regexp.MustCompile(`(?i)\b(?:for\s+)?(\d{1,3})\s*(s|secs?|seconds?|m|mins?|minutes?)\b(?:\s+long)?`)
	countPattern      = regexp.MustCompile(`(?i)\b(\d{1,2}|one|two|three|four|five|six|seven|eight|nine|ten)\s+(images?|pictures?|photos?|variations?|versions?|illustrations?|drawings?|options?)\b`)
	mentionPattern    = regexp.MustCompile(`@([\p{L}\p{N}_.-]+)`)
)

var countWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

var aspectWords = map[string]string{
	"landscape": "16:9",
	"portrait":  "9:16",
	"square":    "1:1",
}

var (
	leadIns      = wordSet("please", "kindly", "hey", "can", "could", "would", "will", "you", "i", "i'd", "want", "need", "like", "to", "help", "me")
	articles     = wordSet("a", "an", "the", "some", "my", "our")
	prepositions = wordSet("of", "about", "showing", "depicting", "featuring", "for", "on", "with", "where", "that")
)

type compiledRule struct {
	tool     ToolType
	priority int
	commands map[string]struct{}
	verbs    []string
	nouns    []string
	phrases  []string
	mentions int
}

// Detector classifies utterances. It holds only the compiled rule set and
// never changes after construction, so Detect is safe for concurrent use
// and always gives the same answer for the same text.
type Detector struct {
	rules    []compiledRule
	ratios   map[string]struct{}
	maxCount int
	maxDur   int
}

func NewDetector(rules RuleSet) (*Detector, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}

	d := &Detector{
		ratios:   make(map[string]struct{}, len(rules.AspectRatios)),
		maxCount: rules.MaxCount,
		maxDur:   rules.MaxDuration,
	}
	for _, ratio := range rules.AspectRatios {
		d.ratios[ratio] = struct{}{}
	}
	for tool, rule := range rules.Tools {
		cr := compiledRule{
			tool:     tool,
			priority: rule.Priority,
			commands: make(map[string]struct{}, len(rule.Commands)),
			verbs:    normalizeAll(rule.Verbs),
			nouns:    normalizeAll(rule.Nouns),
			phrases:  normalizeAll(rule.Phrases),
			mentions: rule.MinMentions,
		}
		for _, cmd := range rule.Commands {
			cr.commands[strings.ToLower(cmd)] = struct{}{}
		}
		d.rules = append(d.rules, cr)
	}
	sort.Slice(d.rules, func(i, j int) bool {
		if d.rules[i].priority != d.rules[j].priority {
			return d.rules[i].priority > d.rules[j].priority
		}
		return d.rules[i].tool < d.rules[j].tool
	})
	return d, nil
}

// DefaultDetector uses DefaultRules.
func DefaultDetector() *Detector {
	d, err := NewDetector(DefaultRules())
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Detector) Detect(text string) Detection {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Detection{ToolType: ToolNone}
	}

	mentions := extractMentions(trimmed)
	rule, body, ok := d.matchCommand(trimmed)
	if !ok {
		rule, ok = d.matchCues(trimmed, mentions)
		body = trimmed
	}
	if !ok {
		return Detection{ToolType: ToolNone}
	}

	params, remainder := d.extractParams(body)
	if rule.tool == ToolMultiAgent {
		params.Agents = mentions
		remainder = mentionPattern.ReplaceAllString(remainder, " ")
	}
	params.Prompt = stripLeadIn(remainder, rule)

	return Detection{ShouldGenerate: true, ToolType: rule.tool, Params: params}
}

func (d *Detector) matchCommand(text string) (compiledRule, string, bool) {
	if !strings.HasPrefix(text, "/") {
		return compiledRule{}, "", false
	}
	head, rest, _ := strings.Cut(text, " ")
	head = strings.ToLower(head)
	for _, rule := range d.rules {
		if _, ok := rule.commands[head]; ok {
			return rule, strings.TrimSpace(rest), true
		}
	}
	return compiledRule{}, "", false
}

// matchCues returns the highest priority rule whose cues occur in text.
// d.rules is already sorted by precedence.
func (d *Detector) matchCues(text string, mentions []string) (compiledRule, bool) {
	padded := " " + normalize(text) + " "
	for _, rule := range d.rules {
		if rule.mentions > 0 && len(mentions) >= rule.mentions {
			return rule, true
		}
		if containsAny(padded, rule.phrases) {
			return rule, true
		}
		if containsAny(padded, rule.verbs) && containsAny(padded, rule.nouns) {
			return rule, true
		}
	}
	return compiledRule{}, false
}

func (d *Detector) extractParams(text string) (Params, string) {
	var params Params

	text = replaceFirst(ratioPattern, text, func(m []string) bool {
		ratio := m[1] + ":" + m[2]
		if _, ok := d.ratios[ratio]; !ok {
			return false
		}
		params.AspectRatio = ratio
		return true
	})
	if params.AspectRatio == "" {
		text = replaceFirst(aspectWordPattern, text, func(m []string) bool {
			word := strings.ToLower(m[1] + m[2])
			ratio := aspectWords[word]
			if _, ok := d.ratios[ratio]; !ok {
				return false
			}
			params.AspectRatio = ratio
			return true
		})
	}

	text = replaceFirst(resolutionPattern, text, func(m []string) bool {
		res := strings.ToLower(m[1])
		res = strings.ReplaceAll(res, "×", "x")
		params.Resolution = strings.ReplaceAll(res, " ", "")
		return true
	})

	text = replaceFirst(durationPattern, text, func(m []string) bool {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return false
		}
		if strings.HasPrefix(strings.ToLower(m[2]), "m") {
			n *= 60
		}
		if d.maxDur > 0 && n > d.maxDur {
			n = d.maxDur
		}
		params.Duration = n
		return true
	})

	text = replaceFirst(countPattern, text, func(m []string) bool {
		word := strings.ToLower(m[1])
		n, ok := countWords[word]
		if !ok {
			v, err := strconv.Atoi(word)
			if err != nil || v <= 0 {
				return false
			}
			n = v
		}
		if d.maxCount > 0 && n > d.maxCount {
			n = d.maxCount
		}
		params.Count = n
		return true
	}, "$2")

	return params, text
}

// replaceFirst replaces the first match accepted by accept with keep
// (default blank) and leaves the rest of text untouched.
func replaceFirst(re *regexp.Regexp, text string, accept func([]string) bool, keep ...string) string {
	for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
		groups := make([]string, len(loc)/2)
		for i := range groups {
			if loc[2*i] >= 0 {
				groups[i] = text[loc[2*i]:loc[2*i+1]]
			}
		}
		if !accept(groups) {
			continue
		}
		replacement := " "
		if len(keep) > 0 {
			replacement = string(re.ExpandString(nil, keep[0], text, loc))
		}
		return text[:loc[0]] + replacement + text[loc[1]:]
	}
	return text
}

// stripLeadIn removes the request wording in front of the subject, e.g.
// "please generate an image of" in "please generate an image of a fox".
func stripLeadIn(text string, rule compiledRule) string {
	tokens := strings.Fields(text)
	bare := func(i int) string {
		return strings.ToLower(strings.Trim(tokens[i], ",.:;!?\"'"))
	}

	i := 0
	for i < len(tokens) && inSet(leadIns, bare(i)) {
		i++
	}
	if n := matchWords(tokens[i:], rule.verbs); n > 0 {
		i += n
	}
	for i < len(tokens) && (bare(i) == "me" || bare(i) == "us") {
		i++
	}
	if i < len(tokens) && inSet(articles, bare(i)) && matchWords(tokens[i+1:], rule.nouns) > 0 {
		i++
	}
	if n := matchWords(tokens[i:], rule.nouns); n > 0 {
		i += n
		for i < len(tokens) && inSet(prepositions, bare(i)) {
			i++
		}
	} else if i > 0 && i < len(tokens) && inSet(prepositions, bare(i)) {
		i++
	}

	prompt := strings.Join(tokens[i:], " ")
	return strings.Trim(prompt, " ,;:-")
}

// matchWords reports how many leading tokens form one of the candidates.
func matchWords(tokens []string, candidates []string) int {
	for _, cand := range candidates {
		words := strings.Fields(cand)
		if len(words) > len(tokens) {
			continue
		}
		ok := true
		for j, w := range words {
			if strings.ToLower(strings.Trim(tokens[j], ",.:;!?\"'")) != w {
				ok = false
				break
			}
		}
		if ok {
			return len(words)
		}
	}
	return 0
}

func extractMentions(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		name := strings.TrimRight(m[1], ".-")
		key := strings.ToLower(name)
		if name == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}
	return out
}

// normalize lowercases text and collapses everything but letters, digits,
// apostrophes and slashes into single spaces.
func normalize(text string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(text) {
		keep := r == '\'' || r == '/' || r == '@' ||
			(r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r > 127
		if keep {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

func normalizeAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if n := normalize(v); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func containsAny(padded string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(padded, " "+n+" ") {
			return true
		}
	}
	return false
}

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func inSet(set map[string]struct{}, word string) bool {
	_, ok := set[word]
	return ok
}

func parseRatio(ratio string) ([2]int, bool) {
	w, h, ok := strings.Cut(ratio, ":")
	if !ok {
		return [2]int{}, false
	}
	wi, err1 := strconv.Atoi(w)
	hi, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil || wi <= 0 || hi <= 0 {
		return [2]int{}, false
	}
	return [2]int{wi, hi}, true
}
