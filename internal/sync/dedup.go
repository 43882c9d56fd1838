package sync

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/larksync/larksync/internal/drive"
)

// dedupRemoteSameName collapses duplicate same-name siblings in every remote
// folder. The provider allows several items with one name in a folder, which
// breaks path-based reconciliation. The newest by modified_time survives;
// ties go to the lexicographically smallest token so the outcome is
// deterministic. Losers are hard-deleted; "already gone" errors are benign.
func (e *Engine) dedupRemoteSameName(ctx context.Context, rootToken string) error {
	type frame struct {
		token string
	}

	stack := []frame{{token: rootToken}}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := e.drv.ListFolder(ctx, cur.token)
		if err != nil {
			return err
		}

		groups := map[string][]drive.Item{}

		for _, item := range children {
			name := item.Name
			if name == "" {
				name = item.Token
			}

			if name == "" {
				continue
			}

			groups[name] = append(groups[name], item)
		}

		deleted := map[string]bool{}

		for name, items := range groups {
			if len(items) <= 1 {
				continue
			}

			sort.Slice(items, func(i, j int) bool {
				ti := parseRemoteTime(string(items[i].ModifiedTime))
				tj := parseRemoteTime(string(items[j].ModifiedTime))

				if ti != tj {
					return ti > tj
				}

				return items[i].Token < items[j].Token
			})

			for _, victim := range items[1:] {
				if victim.Token == "" {
					continue
				}

				err := e.drv.Delete(ctx, victim.Token, orDefault(victim.Type, drive.TypeFile))
				if err != nil && !errors.Is(err, drive.ErrNotFound) {
					return err
				}

				deleted[victim.Token] = true

				e.logger.Warn("remote_dedup_deleted",
					slog.String("name", name),
					slog.String("token", victim.Token),
					slog.String("type", orDefault(victim.Type, drive.TypeFile)),
				)
			}
		}

		for _, item := range children {
			if item.IsFolder() && item.Token != "" && !deleted[item.Token] {
				stack = append(stack, frame{token: item.Token})
			}
		}
	}

	return nil
}
