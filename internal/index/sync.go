package index

import (
	"context"
	"log/slog"
	"sort"

	"github.com/starford/opsml/internal/models"
	"github.com/starford/opsml/internal/storage"
)

// SweepReport lists the version directories a sweep found unreferenced.
type SweepReport struct {
	Orphans []string `json:"orphans"`
	Deleted int      `json:"deleted"`
}

// Sweep walks the artifact store and compares it with the index:
//   - version directories referenced by a row are kept
//   - unreferenced version directories are deleted (or only reported when dryRun)
func Sweep(ctx context.Context, db CardIndex, store storage.Backend, dryRun bool, logger *slog.Logger) (SweepReport, error) {
	var rep SweepReport
	for _, kind := range models.Kinds() {
		roots, err := db.Roots(ctx, kind)
		if err != nil {
			return rep, err
		}
		keys, err := store.List(ctx, string(kind)+"/")
		if err != nil {
			return rep, err
		}

		orphans := make(map[string]struct{})
		for _, k := range keys {
			root, ok := models.RootOfKey(k)
			if !ok {
				logger.Debug("sweep: skip foreign key", slog.String("key", k))
				continue
			}
			if _, live := roots[root]; !live {
				orphans[root] = struct{}{}
			}
		}
		for _, root := range sortedSet(orphans) {
			rep.Orphans = append(rep.Orphans, root)
			if dryRun {
				logger.Info("sweep: orphan", slog.String("root", root))
				continue
			}
			if err := store.Delete(ctx, root); err != nil {
				logger.Warn("sweep: delete failed", slog.String("root", root), slog.String("error", err.Error()))
				continue
			}
			rep.Deleted++
			logger.Debug("sweep: removed orphan", slog.String("root", root))
		}
	}
	return rep, nil
}

func sortedSet(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
