package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"maas-portal/backend/internal/config"
	"maas-portal/backend/internal/ingest"
	"maas-portal/backend/internal/logging"
	"maas-portal/backend/internal/repository"
	"maas-portal/backend/internal/services"
	"maas-portal/backend/pkg/models"
)

var seedDomain string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create the default tenant and a demo knowledge base",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.DB.Driver == "memory" {
			return errors.New("seed needs db.driver=postgres; the memory store does not outlive the process")
		}
		return seed(cmd.Context(), cfg, logger)
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedDomain, "domain", "localhost", "Domain of the tenant to seed")
}

const demoKnowledgeBase = "Workplace safety handbook"

var demoDocuments = map[string]string{
	"exits.md": `# Emergency exits
Keep every marked exit clear of pallets, carts and stacked boxes.
Exit doors must open outward and never be locked from the inside during working hours.
Aisles leading to an exit are at least 90 cm wide.`,
	"electrical.md": `# Electrical safety
Report frayed cords and exposed conductors immediately.
Do not daisy-chain power strips. Keep liquids away from panels and outlets.
Only qualified staff may open a distribution board.`,
	"ppe.md": `# Personal protective equipment
Hard hats are required under overhead work. Safety glasses are required at cutting stations.
Hi-visibility vests are required wherever forklifts operate.`,
}

func seed(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	tenant, err := store.GetTenantByDomain(ctx, seedDomain)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		logger.Info("Creating default tenant", "domain", seedDomain)
		tenant = &models.Tenant{Name: "Local Dev Tenant", Domain: seedDomain}
		if err := store.CreateTenant(ctx, tenant); err != nil {
			return fmt.Errorf("failed to create tenant: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to look up tenant: %w", err)
	default:
		logger.Info("Found existing tenant", "id", tenant.ID)
	}
	ctx = models.WithTenant(ctx, tenant.ID)

	client := services.NewHTTPInferenceClient(cfg.Inference.URL, cfg.Inference.Timeout)
	embed := services.NewFallbackEmbedder(client, logger)
	mgr := ingest.NewManager(store, embed, logger, ingest.Options{
		ChunkSize:    cfg.Ingest.ChunkSize,
		ChunkOverlap: cfg.Ingest.ChunkOverlap,
		Workers:      cfg.Ingest.Workers,
		Retention:    cfg.Ingest.Retention,
	})
	defer mgr.Close()
	knowledge := services.NewKnowledgeService(store, mgr, embed)

	existing, err := knowledge.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list knowledge bases: %w", err)
	}
	for _, kb := range existing {
		if kb.Name == demoKnowledgeBase {
			logger.Info("Skipping existing knowledge base", "name", kb.Name, "id", kb.ID)
			return nil
		}
	}

	kb, err := knowledge.Create(ctx, demoKnowledgeBase, "Sample documents for the hazard assistant.")
	if err != nil {
		return fmt.Errorf("failed to create knowledge base: %w", err)
	}
	files := make([]services.Upload, 0, len(demoDocuments))
	for name, text := range demoDocuments {
		files = append(files, services.Upload{Filename: name, ContentType: "text/markdown", Data: []byte(text)})
	}
	jobs, err := knowledge.Upload(ctx, kb.ID, files)
	if err != nil {
		return fmt.Errorf("failed to upload documents: %w", err)
	}
	for _, j := range jobs {
		done, err := mgr.Wait(ctx, j.ID)
		if err != nil {
			return err
		}
		if done.Stage != ingest.StageCompleted {
			logger.Warn("Seed document failed", "file", done.Filename, "error", done.Error)
			continue
		}
		logger.Info("Seeded document", "file", done.Filename, "document", done.DocumentID)
	}
	logger.Info("Seeding complete!", "knowledge_base", kb.ID)
	return nil
}
