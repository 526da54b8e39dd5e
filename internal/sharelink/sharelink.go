package sharelink

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// QueryParam names the deep link query parameter carrying the slot index.
const QueryParam = "mintIndex"

// Intent is the decoded deep-link redemption intent. Index is 0-based.
// Decoding is pure and never fails hard; an absent or malformed parameter
// yields Valid=false.
type Intent struct {
	Valid bool
	Index int
}

// Encode appends the slot index to the collection page URL.
func Encode(pageURL string, index int) (string, error) {
	if index < 0 {
		return "", fmt.Errorf("sharelink: index must not be negative")
	}
	parsed, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil {
		return "", fmt.Errorf("sharelink: parse page url: %w", err)
	}

	query := parsed.Query()
	query.Set(QueryParam, strconv.Itoa(index))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// Decode extracts the redemption intent from a share link. Bounds against the
// manifest are checked later, once a collection snapshot is available.
func Decode(rawURL string) Intent {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Intent{}
	}

	value := parsed.Query().Get(QueryParam)
	if value == "" {
		return Intent{}
	}

	index, err := strconv.Atoi(value)
	if err != nil || index < 0 {
		return Intent{}
	}
	return Intent{Valid: true, Index: index}
}

// QRImageURL builds the scannable-code image URL for a share link through the
// external rendering endpoint.
func QRImageURL(endpoint, link string) string {
	return strings.TrimRight(endpoint, "?") + "?size=200x200&data=" + url.QueryEscape(link)
}
