package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is the position after the last order of a page. Pages run newest first, with the
// order id breaking ties between orders created in the same instant.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// IsZero reports whether the cursor points at the first page.
func (c Cursor) IsZero() bool {
	return c.ID == "" && c.CreatedAt.IsZero()
}

// EncodeToken renders the cursor as an opaque URL-safe token of the form
// base64url("<unix nanos>:<id>"). The first page has no token.
func EncodeToken(cursor Cursor) (string, error) {
	if cursor.IsZero() {
		return "", nil
	}
	if cursor.ID == "" || strings.ContainsRune(cursor.ID, '\n') {
		return "", fmt.Errorf("pagination: cursor id %q cannot be encoded", cursor.ID)
	}
	raw := strconv.FormatInt(cursor.CreatedAt.UnixNano(), 10) + ":" + cursor.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw)), nil
}

// DecodeToken parses a token produced by EncodeToken. Anything else is ErrInvalidPageToken.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	nanos, id, ok := strings.Cut(string(raw), ":")
	if !ok || strings.TrimSpace(id) == "" {
		return Cursor{}, fmt.Errorf("%w: malformed cursor", ErrInvalidPageToken)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil || n <= 0 {
		return Cursor{}, fmt.Errorf("%w: bad cursor time", ErrInvalidPageToken)
	}
	return Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}
