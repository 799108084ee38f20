package render

import (
	"regexp"
	"strconv"
	"strings"
)

// EndTag marks the footer block
const EndTag = "END"

var boundaryPattern = regexp.MustCompile(`<!--MAIL_SECTION_BOUNDARY_([^>]*?)-->`)

// Block is a boundary delimited content section
type Block struct {
	Tag     string
	Content string
}

// Split separates content into the header chunk before the first boundary and the tagged blocks.
// The boundary comments themselves are dropped.
func Split(content string) (string, []Block) {
	locs := boundaryPattern.FindAllStringSubmatchIndex(content, -1)
	if len(locs) == 0 {
		return content, nil
	}

	header := content[:locs[0][0]]
	blocks := make([]Block, 0, len(locs))
	for i, loc := range locs {
		end := len(content)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		blocks = append(blocks, Block{
			Tag:     strings.TrimSpace(content[loc[2]:loc[3]]),
			Content: content[loc[1]:end],
		})
	}
	return header, blocks
}

// Includes reports whether a block is delivered to a recipient with the given categories
func (b Block) Includes(categories []int64) bool {
	if b.Tag == "" || b.Tag == EndTag {
		return true
	}
	for _, id := range tagCategories(b.Tag) {
		for _, c := range categories {
			if id == c {
				return true
			}
		}
	}
	return false
}

func tagCategories(tag string) []int64 {
	var ids []int64
	for _, p := range strings.Split(tag, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// FilterCategories keeps the header and every block the recipient qualifies for, in order
func FilterCategories(content string, categories []int64) string {
	header, blocks := Split(content)
	if blocks == nil {
		return content
	}

	var sb strings.Builder
	sb.WriteString(header)
	for _, b := range blocks {
		if b.Includes(categories) {
			sb.WriteString(b.Content)
		}
	}
	return sb.String()
}

// HasContent is true when content carries no boundaries at all, or when at least one
// block other than the footer survives category filtering.
func HasContent(content string, categories []int64) bool {
	_, blocks := Split(content)
	if blocks == nil {
		return true
	}
	for _, b := range blocks {
		if b.Tag != EndTag && b.Includes(categories) {
			return true
		}
	}
	return false
}
