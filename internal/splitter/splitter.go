// Package splitter cuts page content into bounded blocks for extraction.
package splitter

import (
	"strings"
	"unicode/utf8"

	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
)

// DefaultMaxBlockSize is used when a job does not configure a block size.
const DefaultMaxBlockSize = 4000

// Split cuts text into ordered blocks of at most maxBlockSize bytes. Cuts
// land on the last safe boundary inside the window: a blank line first, then
// the start of a link block, then any line break, then a hard cut. The
// concatenation of all blocks reproduces the input byte-for-byte; no block is
// empty.
func Split(text string, maxBlockSize int) []scraper.Block {
	if maxBlockSize <= 0 {
		maxBlockSize = DefaultMaxBlockSize
	}
	if text == "" {
		return nil
	}

	var blocks []scraper.Block
	rest := text
	for len(rest) > maxBlockSize {
		cut := boundary(rest[:maxBlockSize])
		if cut <= 0 {
			cut = hardCut(rest, maxBlockSize)
		}
		blocks = append(blocks, scraper.Block{Ordinal: len(blocks), Text: rest[:cut]})
		rest = rest[cut:]
	}
	blocks = append(blocks, scraper.Block{Ordinal: len(blocks), Text: rest})
	return blocks
}

// boundary returns the byte offset to cut at inside window, or 0 if the
// window has no safe boundary.
func boundary(window string) int {
	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return i + 2
	}
	// A newline followed by "[" starts a self-contained link block on the
	// sites this was built for; cutting right before it keeps the block
	// intact.
	if i := strings.LastIndex(window, "\n["); i > 0 {
		return i + 1
	}
	if i := strings.LastIndex(window, "\n"); i > 0 {
		return i + 1
	}
	return 0
}

// hardCut cuts at max but backs off to the previous rune start so no block
// carries a torn UTF-8 sequence.
func hardCut(text string, max int) int {
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		cut = max
	}
	return cut
}
