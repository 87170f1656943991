// Package templates seeds the builtin roster templates at startup. Builtins
// are visible to every tenant and read-only; tenants clone them into custom
// templates through the REST surface.
package templates

import (
	"context"
	"log/slog"
	"time"

	"github.com/crewhall/crewhall/internal/orcerr"
	"github.com/crewhall/crewhall/internal/store"
)

// Builtins are the shipped rosters. IDs are stable across releases so
// re-seeding is idempotent.
var Builtins = []store.Template{
	{
		ID:          "builtin-solo",
		Name:        "Solo developer",
		Description: "One developer agent for small repos",
		Builtin:     true,
		Agents: []store.TemplateAgent{
			{Role: "dev"},
		},
		Tags: []string{"starter"},
	},
	{
		ID:          "builtin-pair",
		Name:        "Pair",
		Description: "A developer and a reviewer working in lockstep",
		Builtin:     true,
		Agents: []store.TemplateAgent{
			{Role: "dev"},
			{Role: "reviewer"},
		},
		Tags: []string{"starter"},
	},
	{
		ID:          "builtin-squad",
		Name:        "Full squad",
		Description: "Lead, two developers, and a tester",
		Builtin:     true,
		Agents: []store.TemplateAgent{
			{Role: "lead"},
			{Role: "dev"},
			{Role: "dev"},
			{Role: "tester"},
		},
		Tags: []string{"team"},
	},
}

// Seed inserts missing builtins. Existing rows are left alone so local edits
// to the store never fight the seeder.
func Seed(ctx context.Context, ts store.TemplateStore) error {
	for _, tpl := range Builtins {
		if _, err := ts.Get(ctx, tpl.ID); err == nil {
			continue
		} else if orcerr.KindOf(err) != orcerr.KindNotFound {
			return err
		}
		tpl.CreatedAt = time.Now().UTC()
		tpl.UpdatedAt = tpl.CreatedAt
		if err := ts.Create(ctx, &tpl); err != nil {
			return err
		}
		slog.Info("builtin template seeded", "template", tpl.ID)
	}
	return nil
}
