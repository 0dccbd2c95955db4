package duplicate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/hbomb79/Photon/internal/media"
	"github.com/hbomb79/Photon/pkg/logger"
	"github.com/hbomb79/Photon/pkg/sync"
)

var log = logger.Get("DupScanner")

type (
	// KeeperPolicy selects which member of a group is retained. It receives
	// the members in discovery order and returns the index of the keeper.
	KeeperPolicy func(members []*media.Item) int

	// Group is a set of items whose signatures are equal (exact) or within
	// the threshold of the founding member (perceptual). Groups are disjoint.
	Group struct {
		Signature string
		Founder   *media.Item
		Keeper    *media.Item
		Members   []*media.Item
	}

	Stats struct {
		Groups           int
		Files            int
		Duplicates       int
		ReclaimableBytes int64
	}

	Option func(*Scanner)

	// Scanner computes content signatures for items and groups them. It never
	// deletes anything as part of scanning; see Remove.
	Scanner struct {
		method    Method
		threshold int
		keeper    KeeperPolicy

		digests sync.Memo[string, string]
		ahashes sync.Memo[string, uint64]
	}
)

// WithKeeperPolicy overrides the default keeper selection.
func WithKeeperPolicy(policy KeeperPolicy) Option {
	return func(s *Scanner) { s.keeper = policy }
}

// NewScanner constructs a Scanner. The threshold is only consulted for the
// perceptual method and must be within [0, 64].
func NewScanner(method Method, threshold int, opts ...Option) (*Scanner, error) {
	if threshold < 0 || threshold > MaxThreshold {
		return nil, &media.InvalidParameterError{Param: "threshold", Value: threshold, Reason: fmt.Sprintf("must be between 0 and %d", MaxThreshold)}
	}

	s := &Scanner{method: method, threshold: threshold, keeper: EarliestKeeper}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Scan computes the signature of each item and returns the duplicate groups
// found (groups with a single member are discarded) along with a result for
// every item that could not be considered. Items are considered in the order
// provided; perceptual clustering is greedy, so order matters.
func (s *Scanner) Scan(ctx context.Context, items []*media.Item) ([]*Group, []*media.Result) {
	var (
		groups   []*Group
		index    = make(map[string]*Group)
		founders []uint64
		results  []*media.Result
	)

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}

		switch s.method {
		case Exact:
			digest, err := s.digests.Get(item.Path, ContentHash)
			if err != nil {
				log.Warnf("Failed to hash %s: %v\n", item.Path, err)
				results = append(results, media.Failed(item, media.StageHash, err))
				continue
			}

			if g, ok := index[digest]; ok {
				g.Members = append(g.Members, item)
				continue
			}

			g := &Group{Signature: digest, Founder: item, Members: []*media.Item{item}}
			index[digest] = g
			groups = append(groups, g)
		case Perceptual:
			if item.Kind != media.Image {
				results = append(results, media.Skipped(item, media.StageHash, fmt.Sprintf("perceptual hashing does not apply to %s", item.Kind)))
				continue
			}

			hash, err := s.ahashes.Get(item.Path, AverageHash)
			if err != nil {
				log.Warnf("Failed to fingerprint %s: %v\n", item.Path, err)
				results = append(results, media.Failed(item, media.StageHash, err))
				continue
			}

			joined := false
			for i, founder := range founders {
				if Distance(founder, hash) <= s.threshold {
					groups[i].Members = append(groups[i].Members, item)
					joined = true
					break
				}
			}

			if !joined {
				founders = append(founders, hash)
				groups = append(groups, &Group{Signature: fmt.Sprintf("%016x", hash), Founder: item, Members: []*media.Item{item}})
			}
		}
	}

	out := make([]*Group, 0)
	for _, g := range groups {
		if len(g.Members) < 2 {
			continue
		}

		keeper := s.keeper(g.Members)
		if keeper < 0 || keeper >= len(g.Members) {
			log.Warnf("Keeper policy returned out of range index %d for group %s, keeping founder\n", keeper, g.Signature)
			keeper = 0
		}

		g.Keeper = g.Members[keeper]
		out = append(out, g)
	}

	log.Infof("Found %d duplicate group(s) across %d item(s) using %s detection\n", len(out), len(items), s.method)
	return out, results
}

// Signature returns the memoised signature for the path, if one has been
// computed by a previous Scan.
func (s *Scanner) Signature(path string) (Signature, bool) {
	if digest, ok := s.digests.Peek(path); ok {
		return Signature{Digest: digest}, true
	}
	if hash, ok := s.ahashes.Peek(path); ok {
		return Signature{AHash: hash}, true
	}

	return Signature{}, false
}

// Removable returns every member of the group except the keeper.
func (g *Group) Removable() []*media.Item {
	out := make([]*media.Item, 0, len(g.Members)-1)
	for _, m := range g.Members {
		if m != g.Keeper {
			out = append(out, m)
		}
	}

	return out
}

// Remove deletes every non-keeper member of the group. Unless force is true,
// a ConfirmationRequiredError is returned and nothing is touched. A result is
// returned for every member considered; failures to remove individual files
// are also joined in to the returned error.
func Remove(group *Group, force bool) ([]*media.Result, error) {
	removable := group.Removable()
	if !force {
		return nil, &media.ConfirmationRequiredError{Operation: fmt.Sprintf("removing duplicates of %s", group.Keeper.Path), Count: len(removable)}
	}

	results := make([]*media.Result, 0, len(removable))
	var errs []error
	for _, item := range removable {
		if err := os.Remove(item.Path); err != nil {
			errs = append(errs, err)
			results = append(results, media.Failed(item, media.StageRemove, err))
			continue
		}

		log.Emit(logger.REMOVE, "Removed duplicate %s (keeping %s)\n", item.Path, group.Keeper.Path)
		res := media.Succeeded(item, media.StageRemove)
		res.SizeBefore = item.Size
		results = append(results, res)
	}

	return results, errors.Join(errs...)
}

// ComputeStats summarises the groups provided.
func ComputeStats(groups []*Group) Stats {
	stats := Stats{Groups: len(groups)}
	for _, g := range groups {
		stats.Files += len(g.Members)
		for _, m := range g.Removable() {
			stats.Duplicates++
			stats.ReclaimableBytes += m.Size
		}
	}

	return stats
}

// EarliestKeeper keeps the member with the earliest creation timestamp.
// Ties are broken by the longest path, and then lexical order.
func EarliestKeeper(members []*media.Item) int {
	idx := make([]int, len(members))
	for i := range idx {
		idx[i] = i
	}

	sort.SliceStable(idx, func(a, b int) bool {
		ma, mb := members[idx[a]], members[idx[b]]
		if !ma.CreatedAt.Equal(mb.CreatedAt) {
			return ma.CreatedAt.Before(mb.CreatedAt)
		}
		if len(ma.Path) != len(mb.Path) {
			return len(ma.Path) > len(mb.Path)
		}

		return ma.Path < mb.Path
	})

	return idx[0]
}
