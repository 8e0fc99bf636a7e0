package domain

type TokenSource string

const (
	TokenSourceOCR    TokenSource = "ocr"
	TokenSourceVector TokenSource = "vector"
)

type TokenKind string

const (
	TokenTag   TokenKind = "tag"
	TokenLabel TokenKind = "label"
	TokenNote  TokenKind = "note"
)

type TextToken struct {
	ID         string      `json:"id"`
	DrawingID  string      `json:"drawing_id"`
	Page       int         `json:"page"`
	Text       string      `json:"text"`
	BBox       BBox        `json:"bbox"`
	Source     TokenSource `json:"source"`
	Kind       TokenKind   `json:"kind"`
	SymbolID   *string     `json:"symbol_id"`
	LineID     *string     `json:"line_id"`
	Manual     bool        `json:"manual"`
	Confidence float64     `json:"confidence"`
}

func (t TextToken) Associated() bool {
	return t.SymbolID != nil || t.LineID != nil
}

// TokenAssignment is a manual association; both nil detaches the token.
type TokenAssignment struct {
	SymbolID *string `json:"symbol_id"`
	LineID   *string `json:"line_id"`
}
