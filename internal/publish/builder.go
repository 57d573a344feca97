package publish

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"nostr-publisher/internal/types"
	"nostr-publisher/internal/util"
)

const maxSummaryLen = 280

var ErrEmptyContent = errors.New("item has no content")

var markdown = goldmark.New()

// BuildUnsigned turns an item into the event to be signed. created_at is
// left zero so the signing queue stamps it.
func BuildUnsigned(it Item) (types.UnsignedEvent, error) {
	if strings.TrimSpace(it.Content) == "" {
		return types.UnsignedEvent{}, fmt.Errorf("item %s: %w", it.ItemID(), ErrEmptyContent)
	}

	switch it.kind() {
	case KindNote:
		return types.UnsignedEvent{
			Kind:    types.KindNote,
			Content: it.Content,
			Tags:    topicTags(it.Tags),
		}, nil
	case KindArticle:
		return buildArticle(it), nil
	}
	return types.UnsignedEvent{}, fmt.Errorf("item %s: unknown kind %q", it.ItemID(), it.Kind)
}

// buildArticle produces a NIP-23 long-form event
func buildArticle(it Item) types.UnsignedEvent {
	title, summary := it.Title, it.Summary
	if title == "" || summary == "" {
		h, p := outline([]byte(it.Content))
		if title == "" {
			title = h
		}
		if summary == "" {
			summary = p
		}
	}

	tags := [][]string{{"d", it.ItemID()}}
	if title != "" {
		tags = append(tags, []string{"title", title})
	}
	if summary != "" {
		tags = append(tags, []string{"summary", summary})
	}
	if it.Image != "" {
		tags = append(tags, []string{"image", it.Image})
	}
	if it.PublishedAt > 0 {
		tags = append(tags, []string{"published_at", strconv.FormatInt(it.PublishedAt, 10)})
	}
	tags = append(tags, topicTags(it.Tags)...)

	return types.UnsignedEvent{
		Kind:    types.KindLongForm,
		Content: it.Content,
		Tags:    tags,
	}
}

func topicTags(topics []string) [][]string {
	tags := [][]string{}
	seen := make(map[string]bool)
	for _, t := range topics {
		t = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "#"))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, []string{"t", t})
	}
	return tags
}

// outline returns the text of the first heading and the first paragraph of
// a markdown document
func outline(src []byte) (heading, paragraph string) {
	doc := markdown.Parser().Parse(text.NewReader(src))

	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindHeading:
			if heading == "" {
				heading = plainText(n, src)
			}
			return ast.WalkSkipChildren, nil
		case ast.KindParagraph:
			if paragraph == "" {
				paragraph = plainText(n, src)
			}
			return ast.WalkSkipChildren, nil
		}
		if heading != "" && paragraph != "" {
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})

	return heading, util.TruncateStringRunes(paragraph, maxSummaryLen)
}

func plainText(n ast.Node, src []byte) string {
	var b strings.Builder
	ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}
