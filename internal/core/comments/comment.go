package comments

// Collection is the repository collection comment records live in.
const Collection = "social.coves.community.comment"

// ReplyRef represents the threading structure from the comment lexicon
// Root always points to the original post, parent points to the immediate parent
type ReplyRef struct {
	Root   StrongRef `json:"root"`
	Parent StrongRef `json:"parent"`
}

// StrongRef represents a strong reference to a record (URI + CID)
// Matches com.atproto.repo.strongRef
type StrongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// SelfLabels represents self-applied content labels per com.atproto.label.defs#selfLabels
type SelfLabels struct {
	Values []SelfLabel `json:"values"`
}

// SelfLabel represents a single label value per com.atproto.label.defs#selfLabel
// Neg is optional and negates the label when true
type SelfLabel struct {
	Neg *bool  `json:"neg,omitempty"`
	Val string `json:"val"`
}

// IsTopLevel reports whether the reply answers the post itself.
func (r ReplyRef) IsTopLevel() bool {
	return r.Parent.URI == r.Root.URI
}
