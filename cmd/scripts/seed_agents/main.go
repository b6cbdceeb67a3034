package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/wuwenbin0122/workforce/internal/bootstrap"
	"github.com/wuwenbin0122/workforce/internal/models"
	"github.com/wuwenbin0122/workforce/internal/utils"
)

type seedAgent struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Title      string `yaml:"title"`
	Persona    string `yaml:"persona"`
	Background string `yaml:"background"`
	Model      string `yaml:"model"`
}

var defaultAgents = []seedAgent{
	{
		ID:         "agent-designer",
		Name:       "Iris",
		Title:      "Visual Designer",
		Persona:    "Calm, precise, thinks in sketches and mood boards.",
		Background: "Ten years of brand identity and campaign art direction.",
	},
	{
		ID:         "agent-producer",
		Name:       "Milo",
		Title:      "Video Producer",
		Persona:    "Energetic storyteller who plans shot by shot.",
		Background: "Produces short-form explainer and product videos.",
	},
	{
		ID:         "agent-analyst",
		Name:       "Ada",
		Title:      "Research Analyst",
		Persona:    "Skeptical, cites sources, summarises in bullet points.",
		Background: "Market research and competitive analysis for consumer apps.",
	},
	{
		ID:         "agent-writer",
		Name:       "Theo",
		Title:      "Copywriter",
		Persona:    "Playful with words, ruthless with length.",
		Background: "Writes landing pages, release notes and ad copy.",
	},
}

func main() {
	file := pflag.String("file", "", "YAML file with an agents list (defaults to the built-in roster)")
	storeFlag := pflag.String("store", "", "store backend override")
	pflag.Parse()

	cfg, err := utils.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := utils.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()
	if *storeFlag != "" {
		cfg.Store.Backend = *storeFlag
	}
	if cfg.Store.Backend == "memory" {
		log.Fatalf("seeding the memory backend has no lasting effect; pass --store postgres or --store mongo")
	}

	agents := defaultAgents
	if *file != "" {
		agents, err = loadAgents(*file)
		if err != nil {
			log.Fatalf("load agents: %v", err)
		}
	}

	ctx := context.Background()
	backend, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer backend.Close()

	for _, a := range agents {
		stored, err := backend.Store.UpsertAgent(ctx, models.Agent{
			ID:         a.ID,
			Name:       a.Name,
			Title:      a.Title,
			Persona:    a.Persona,
			Background: a.Background,
			Model:      a.Model,
		})
		if err != nil {
			log.Fatalf("upsert agent %s: %v", a.Name, err)
		}
		fmt.Printf("seeded %s (%s) as %s\n", stored.Name, stored.Title, stored.ID)
	}
}

func loadAgents(path string) ([]seedAgent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Agents []seedAgent `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(doc.Agents) == 0 {
		return nil, fmt.Errorf("%s lists no agents", path)
	}
	return doc.Agents, nil
}
