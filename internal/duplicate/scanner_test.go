package duplicate_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/hbomb79/Photon/internal/duplicate"
	"github.com/hbomb79/Photon/internal/media"
	"github.com/hbomb79/Photon/tests/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

func itemsFor(paths []string, kind media.Kind, sizes ...int64) []*media.Item {
	items := make([]*media.Item, len(paths))
	for i, p := range paths {
		var size int64 = 10
		if i < len(sizes) {
			size = sizes[i]
		}
		items[i] = &media.Item{Path: p, Kind: kind, Size: size, CreatedAt: epoch.Add(time.Duration(i) * time.Hour)}
	}

	return items
}

func groupPaths(g *duplicate.Group) []string {
	out := make([]string, len(g.Members))
	for i, m := range g.Members {
		out[i] = filepath.Base(m.Path)
	}

	return out
}

func TestScan_ExactGroupsIdenticalBytes(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")
	almost := append([]byte(nil), content...)
	almost[10] ^= 0x01

	_, paths := helpers.TempDirWithFiles(t, map[string][]byte{
		"a_original.jpg":         content,
		"b_renamed_copy.png":     content,
		"nested/c_elsewhere.bin": content,
		"d_one_byte_off.jpg":     almost,
		"e_unique.jpg":           []byte("something else entirely"),
	})

	scanner, err := duplicate.NewScanner(duplicate.Exact, 0)
	require.NoError(t, err)

	groups, failures := scanner.Scan(context.Background(), itemsFor(paths, media.Image))
	assert.Empty(t, failures)
	require.Len(t, groups, 1)
	assert.ElementsMatch(t, []string{"a_original.jpg", "b_renamed_copy.png", "c_elsewhere.bin"}, groupPaths(groups[0]))
	assert.NotContains(t, groupPaths(groups[0]), "d_one_byte_off.jpg")

	sig, ok := scanner.Signature(paths[0])
	require.True(t, ok)
	assert.Equal(t, groups[0].Signature, sig.Digest)
	assert.Len(t, sig.Digest, 64, "BLAKE2b-256 digest hex encoded")
}

func TestScan_ExactReportsUnreadable(t *testing.T) {
	_, paths := helpers.TempDirWithFiles(t, map[string][]byte{"a": []byte("x"), "b": []byte("x")})
	items := itemsFor(append(paths, filepath.Join(t.TempDir(), "missing")), media.Image)

	scanner, err := duplicate.NewScanner(duplicate.Exact, 0)
	require.NoError(t, err)

	groups, failures := scanner.Scan(context.Background(), items)
	assert.Len(t, groups, 1)
	require.Len(t, failures, 1)
	assert.Equal(t, media.FAILED, failures[0].Status)
	assert.Equal(t, media.StageHash, failures[0].Stage)

	var unreadable *media.UnreadableFileError
	assert.True(t, errors.As(failures[0].Err, &unreadable))
}

func TestScan_PerceptualGroupsSimilarImages(t *testing.T) {
	_, paths := helpers.TempDirWithFiles(t, map[string][]byte{
		"1_split.png":        helpers.EncodePNG(t, helpers.SplitImage(64, 64, false)),
		"2_split_large.jpg":  helpers.EncodeJPEG(t, helpers.SplitImage(256, 256, false), nil),
		"3_split_invert.png": helpers.EncodePNG(t, helpers.SplitImage(64, 64, true)),
		"4_invert_again.png": helpers.EncodePNG(t, helpers.SplitImage(128, 128, true)),
	})

	scanner, err := duplicate.NewScanner(duplicate.Perceptual, duplicate.DefaultThreshold)
	require.NoError(t, err)

	items := itemsFor(paths, media.Image)
	items = append(items, &media.Item{Path: "motion.mp4", Kind: media.Video})

	groups, results := scanner.Scan(context.Background(), items)
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"1_split.png", "2_split_large.jpg"}, groupPaths(groups[0]))
	assert.Equal(t, []string{"3_split_invert.png", "4_invert_again.png"}, groupPaths(groups[1]))

	require.Len(t, results, 1)
	assert.Equal(t, media.SKIPPED, results[0].Status)
}

func TestAverageHash_MatchesImageHash(t *testing.T) {
	img := helpers.SplitImage(64, 64, false)
	_, paths := helpers.TempDirWithFiles(t, map[string][]byte{"split.png": helpers.EncodePNG(t, img)})

	hash, err := duplicate.AverageHash(paths[0])
	require.NoError(t, err)

	expected, err := goimagehash.AverageHash(img)
	require.NoError(t, err)
	assert.Equal(t, expected.GetHash(), hash)

	_, err = duplicate.AverageHash(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}

func TestScan_PerceptualIsGreedyAgainstFounder(t *testing.T) {
	assert.Equal(t, 0, duplicate.Distance(0xFF, 0xFF))
	assert.Equal(t, 64, duplicate.Distance(0, ^uint64(0)))
	assert.Equal(t, 3, duplicate.Distance(0b1011, 0b0000))

	_, paths := helpers.TempDirWithFiles(t, map[string][]byte{
		"a.png": helpers.EncodePNG(t, helpers.SplitImage(64, 64, false)),
		"b.png": helpers.EncodePNG(t, helpers.SplitImage(64, 64, true)),
		"c.png": helpers.EncodePNG(t, helpers.SplitImage(32, 32, false)),
	})

	// Threshold 64 means every image satisfies the first founder, so a single
	// greedy pass produces exactly one group.
	scanner, err := duplicate.NewScanner(duplicate.Perceptual, duplicate.MaxThreshold)
	require.NoError(t, err)
	groups, _ := scanner.Scan(context.Background(), itemsFor(paths, media.Image))
	require.Len(t, groups, 1)
	assert.Equal(t, "a.png", filepath.Base(groups[0].Founder.Path))
	assert.Len(t, groups[0].Members, 3)
}

func TestNewScanner_RejectsThreshold(t *testing.T) {
	for _, threshold := range []int{-1, 65} {
		_, err := duplicate.NewScanner(duplicate.Perceptual, threshold)
		var invalid *media.InvalidParameterError
		assert.True(t, errors.As(err, &invalid), "threshold %d", threshold)
	}
}

func TestParseMethod(t *testing.T) {
	for name, expected := range map[string]duplicate.Method{"exact": duplicate.Exact, "hash": duplicate.Exact, "perceptual": duplicate.Perceptual} {
		m, err := duplicate.ParseMethod(name)
		assert.NoError(t, err)
		assert.Equal(t, expected, m)
	}

	_, err := duplicate.ParseMethod("fuzzy")
	assert.Error(t, err)
}

func TestEarliestKeeper(t *testing.T) {
	tests := []struct {
		name     string
		members  []*media.Item
		expected int
	}{
		{
			"EarliestTimestamp",
			[]*media.Item{{Path: "/a/x.jpg", CreatedAt: epoch.Add(time.Hour)}, {Path: "/b.jpg", CreatedAt: epoch}},
			1,
		},
		{
			"TieBrokenByLongestPath",
			[]*media.Item{{Path: "/short.jpg", CreatedAt: epoch}, {Path: "/much/longer/path.jpg", CreatedAt: epoch}},
			1,
		},
		{
			"TieBrokenLexically",
			[]*media.Item{{Path: "/b.jpg", CreatedAt: epoch}, {Path: "/a.jpg", CreatedAt: epoch}},
			1,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, duplicate.EarliestKeeper(test.members))
		})
	}
}

func TestRemove(t *testing.T) {
	content := []byte("duplicate content")
	setup := func(t *testing.T) (*duplicate.Group, []string) {
		_, paths := helpers.TempDirWithFiles(t, map[string][]byte{"a.jpg": content, "b.jpg": content, "c.jpg": content})
		scanner, err := duplicate.NewScanner(duplicate.Exact, 0)
		require.NoError(t, err)

		groups, _ := scanner.Scan(context.Background(), itemsFor(paths, media.Image, 100, 200, 300))
		require.Len(t, groups, 1)
		return groups[0], paths
	}

	t.Run("WithoutForce", func(t *testing.T) {
		group, paths := setup(t)

		results, err := duplicate.Remove(group, false)
		assert.Nil(t, results)

		var confirm *media.ConfirmationRequiredError
		require.True(t, errors.As(err, &confirm), "expected ConfirmationRequiredError, got %T", err)
		assert.Equal(t, 2, confirm.Count)
		for _, p := range paths {
			assert.FileExists(t, p)
		}
	})

	t.Run("WithForce", func(t *testing.T) {
		group, paths := setup(t)
		assert.Equal(t, paths[0], group.Keeper.Path, "earliest member is kept")

		results, err := duplicate.Remove(group, true)
		require.NoError(t, err)
		require.Len(t, results, 2)
		for _, r := range results {
			assert.Equal(t, media.SUCCESS, r.Status)
		}

		assert.FileExists(t, paths[0])
		assert.NoFileExists(t, paths[1])
		assert.NoFileExists(t, paths[2])
	})

	t.Run("CustomKeeperPolicy", func(t *testing.T) {
		_, paths := helpers.TempDirWithFiles(t, map[string][]byte{"a.jpg": content, "b.jpg": content})
		largest := func(members []*media.Item) int {
			best := 0
			for i, m := range members {
				if m.Size > members[best].Size {
					best = i
				}
			}
			return best
		}

		scanner, err := duplicate.NewScanner(duplicate.Exact, 0, duplicate.WithKeeperPolicy(largest))
		require.NoError(t, err)

		groups, _ := scanner.Scan(context.Background(), itemsFor(paths, media.Image, 1, 50))
		require.Len(t, groups, 1)
		assert.Equal(t, paths[1], groups[0].Keeper.Path)
	})

	t.Run("CollectsIndividualFailures", func(t *testing.T) {
		group, paths := setup(t)
		require.NoError(t, os.Remove(paths[1]))

		results, err := duplicate.Remove(group, true)
		assert.Error(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, media.FAILED, results[0].Status)
		assert.Equal(t, media.SUCCESS, results[1].Status)
		assert.NoFileExists(t, paths[2])
	})
}

func TestComputeStats(t *testing.T) {
	content := []byte("0123456789")
	_, paths := helpers.TempDirWithFiles(t, map[string][]byte{
		"a1": content, "a2": content, "a3": content,
		"b1": []byte("other"), "b2": []byte("other"),
	})

	scanner, err := duplicate.NewScanner(duplicate.Exact, 0)
	require.NoError(t, err)

	groups, _ := scanner.Scan(context.Background(), itemsFor(paths, media.Image, 10, 10, 10, 5, 5))
	stats := duplicate.ComputeStats(groups)
	assert.Equal(t, duplicate.Stats{Groups: 2, Files: 5, Duplicates: 3, ReclaimableBytes: 25}, stats)
}
