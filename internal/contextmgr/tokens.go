// Package contextmgr keeps the model-facing history inside the active
// model's context budget before every request, condensing older turns
// into a summary when possible and truncating as a last resort.
package contextmgr

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"

	"tempo/internal/ports"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func initEncoding() {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
}

// TokenCounter counts tokens with cl100k_base encoding, caching counts
// for repeated text (history prefixes are recounted every turn). Falls
// back to a character heuristic when tiktoken is unavailable.
type TokenCounter struct {
	cache *lru.Cache[string, int]
}

// NewTokenCounter builds a counter with a bounded count cache.
func NewTokenCounter() *TokenCounter {
	initEncoding()
	cache, _ := lru.New[string, int](4096)
	return &TokenCounter{cache: cache}
}

// CountText returns the token count of one text span.
func (c *TokenCounter) CountText(text string) int {
	if text == "" {
		return 0
	}
	if c.cache != nil {
		if n, ok := c.cache.Get(text); ok {
			return n
		}
	}
	n := countUncached(text)
	if c.cache != nil {
		c.cache.Add(text, n)
	}
	return n
}

func countUncached(text string) int {
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return estimateFast(text)
}

// estimateFast is the heuristic fallback: max(runes/4, word count).
func estimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// CountMessage returns the token count of one message, including a small
// per-message framing overhead.
func (c *TokenCounter) CountMessage(msg ports.ModelMessage) int {
	total := 4
	for _, block := range msg.Content {
		switch block.Type {
		case ports.BlockText, ports.BlockToolResult:
			total += c.CountText(block.Text)
		case ports.BlockImage:
			// Images are billed roughly per tile; a flat estimate keeps
			// the budget math conservative.
			total += 1100
		case ports.BlockToolUse:
			total += c.CountText(block.ToolName)
			for k, v := range block.ToolInput {
				total += c.CountText(k)
				if s, ok := v.(string); ok {
					total += c.CountText(s)
				} else {
					total += 4
				}
			}
		}
	}
	return total
}

// CountHistory returns the token count of a full history.
func (c *TokenCounter) CountHistory(history []ports.ModelMessage) int {
	total := 0
	for _, msg := range history {
		total += c.CountMessage(msg)
	}
	return total
}
