// Package revops registers the revenue-operations automation capabilities.
// Each capability declares strict input/output schemas; the pipeline
// validates both sides so untyped documents never cross the boundary.
package revops

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowgate/flowgate/internal/capability"
)

const ModuleSlug = "revops-automation"

const bulkUpdateInputSchema = `{
	"type": "object",
	"required": ["moduleSlug", "capability", "entity", "updates"],
	"properties": {
		"moduleSlug": {"type": "string"},
		"capability": {"type": "string"},
		"entity": {"type": "string", "enum": ["contact", "deal", "account"]},
		"updates": {"type": "object", "minProperties": 1},
		"filter": {"type": "object"},
		"bulk": {"type": "boolean"},
		"undoPayload": {"type": "object"},
		"dataClassification": {"type": "string"},
		"externalRecipients": {"type": "array", "items": {"type": "string"}}
	}
}`

const bulkUpdateOutputSchema = `{
	"type": "object",
	"required": ["updated", "entity"],
	"properties": {
		"updated": {"type": "integer", "minimum": 0},
		"entity": {"type": "string"},
		"skipped": {"type": "integer", "minimum": 0}
	}
}`

// CRMClient abstracts the downstream CRM write surface; the real client is
// injected at wiring time, tests use a fake.
type CRMClient interface {
	BulkUpdate(ctx context.Context, tenantID, entity string, filter, updates map[string]any) (updated, skipped int, err error)
}

// LogCRM is the stand-in client used until a real CRM integration is
// configured. It acknowledges every update without writing anywhere.
type LogCRM struct {
	Logger *slog.Logger
}

func (c *LogCRM) BulkUpdate(ctx context.Context, tenantID, entity string, filter, updates map[string]any) (int, int, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("crm bulk update (dry sink)",
		slog.String("tenant", tenantID), slog.String("entity", entity),
		slog.Int("fields", len(updates)))
	return 0, 0, nil
}

// Register adds the revops capabilities to the registry.
func Register(reg *capability.Registry, crm CRMClient) error {
	return reg.Register(capability.Descriptor{
		ModuleSlug:   ModuleSlug,
		Name:         "bulk-update",
		InputSchema:  bulkUpdateInputSchema,
		OutputSchema: bulkUpdateOutputSchema,
	}, capability.HandlerFunc(func(ctx context.Context, inv capability.Invocation) (map[string]any, error) {
		entity, _ := inv.Payload["entity"].(string)
		updates, _ := inv.Payload["updates"].(map[string]any)
		filter, _ := inv.Payload["filter"].(map[string]any)
		updated, skipped, err := crm.BulkUpdate(ctx, inv.TenantID, entity, filter, updates)
		if err != nil {
			return nil, fmt.Errorf("crm bulk update: %w", err)
		}
		return map[string]any{"updated": updated, "skipped": skipped, "entity": entity}, nil
	}))
}
