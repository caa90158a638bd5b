package emerge

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
)

// PrefetchMetadata loads the metadata of every candidate of every root into
// the cache of f, with at most workers lookups in flight. It runs before
// resolution; the resolver itself never waits on it.
func PrefetchMetadata(ctx context.Context, f *FrozenConfig, workers int) error {
	if workers < 1 {
		workers = 1
	}
	roots := make([]string, 0, len(f.Roots))
	for root := range f.Roots {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	n := 0
	for _, root := range roots {
		for _, tn := range structs.TypeNames {
			for _, cpv := range f.db(root, tn).CpvAll() {
				root, tn, cpv := root, tn, cpv
				n++
				g.Go(func() error {
					if err := ctx.Err(); err != nil {
						return err
					}
					_, err := f.metadata(root, tn, cpv)
					return err
				})
			}
		}
	}
	err := g.Wait()
	f.Log.WithField("count", n).Debug("metadata prefetched")
	return err
}
