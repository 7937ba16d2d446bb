// Package batch packs per-account post blobs into LLM-context-sized batches.
package batch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jcleary/sigscan/internal/types"
)

// Options tunes batch sizing.
type Options struct {
	// TextBudget is the per-batch character budget when no account in the
	// input carries images.
	TextBudget int
	// ImageBudget is the smaller budget used when any account carries
	// images; image parts consume part of the model's effective context.
	ImageBudget int
	// MaxImages caps unique image URLs collected per batch.
	MaxImages int
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		TextBudget:  48000,
		ImageBudget: 32000,
		MaxImages:   8,
	}
}

// AccountPosts groups one account's in-range posts.
type AccountPosts struct {
	Account string
	Posts   []types.Post
}

// Batch is an ephemeral grouping of formatted posts for one LLM call.
// Its effects (cache writes keyed by PostURLs) persist; the batch does not.
type Batch struct {
	Text      string
	PostURLs  []string
	ImageURLs []string
	Size      int
}

const blobSeparator = "\n\n---\n\n"

// blob is one account's formatted text plus bookkeeping for packing.
type blob struct {
	text      string
	postURLs  []string
	imageURLs []string
	order     int
}

// Build formats each account's posts into a text blob and greedily packs the
// blobs first-fit into batches under the applicable character budget. The
// packing is deterministic for a given input ordering: blobs are sorted
// largest-first with a stable sort, and each is placed into the first batch
// with room.
func Build(groups []AccountPosts, opts Options) []Batch {
	blobs := make([]blob, 0, len(groups))
	hasImages := false

	for i, g := range groups {
		if len(g.Posts) == 0 {
			continue
		}
		b := formatAccount(g)
		if len(b.imageURLs) > 0 {
			hasImages = true
		}
		b.order = i
		blobs = append(blobs, b)
	}

	if len(blobs) == 0 {
		return nil
	}

	budget := opts.TextBudget
	if hasImages {
		budget = opts.ImageBudget
	}

	sort.SliceStable(blobs, func(i, j int) bool {
		return len(blobs[i].text) > len(blobs[j].text)
	})

	var batches []Batch
	for _, b := range blobs {
		placed := false
		for i := range batches {
			if batches[i].Size+len(blobSeparator)+len(b.text) <= budget {
				appendBlob(&batches[i], b, opts.MaxImages)
				placed = true
				break
			}
		}
		if !placed {
			nb := Batch{}
			appendBlob(&nb, b, opts.MaxImages)
			batches = append(batches, nb)
		}
	}

	return batches
}

func appendBlob(batch *Batch, b blob, maxImages int) {
	if batch.Text != "" {
		batch.Text += blobSeparator
	}
	batch.Text += b.text
	batch.Size = len(batch.Text)
	batch.PostURLs = append(batch.PostURLs, b.postURLs...)

	for _, u := range b.imageURLs {
		if len(batch.ImageURLs) >= maxImages {
			break
		}
		if !contains(batch.ImageURLs, u) {
			batch.ImageURLs = append(batch.ImageURLs, u)
		}
	}
}

// formatAccount renders one account's posts as a single text blob.
func formatAccount(g AccountPosts) blob {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("=== @%s ===\n", g.Account))

	// Oldest-first so image collection across accounts favors older media.
	posts := make([]types.Post, len(g.Posts))
	copy(posts, g.Posts)
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].CreatedAt.Before(posts[j].CreatedAt)
	})

	b := blob{}
	for _, p := range posts {
		sb.WriteString(fmt.Sprintf("[%s]\n", p.CreatedAt.Format("2006-01-02 15:04")))
		sb.WriteString(expandLinks(p.Text, p.ExpandedLinks))
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("Engagement: %d likes, %d reposts, %d replies\n", p.Likes, p.Reposts, p.Replies))
		sb.WriteString(fmt.Sprintf("URL: %s\n", p.URL()))
		if p.ReplyTo != nil {
			sb.WriteString(fmt.Sprintf("[reply to %s]\n", p.ReplyTo.URL))
		}
		if p.Quoted != nil {
			sb.WriteString(fmt.Sprintf("[quotes %s]\n", p.Quoted.URL))
		}
		sb.WriteString("\n")

		b.postURLs = append(b.postURLs, p.URL())
		if p.MediaURL != "" {
			b.imageURLs = append(b.imageURLs, p.MediaURL)
		}
	}

	b.text = strings.TrimRight(sb.String(), "\n")
	return b
}

// expandLinks replaces shortened links in the text with their known targets.
func expandLinks(text string, expanded map[string]string) string {
	for short, full := range expanded {
		text = strings.ReplaceAll(text, short, full)
	}
	return text
}

func contains(urls []string, u string) bool {
	for _, existing := range urls {
		if existing == u {
			return true
		}
	}
	return false
}
