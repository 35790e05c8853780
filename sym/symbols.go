// Package sym defines the glyphs revsync prints in CLI output and attaches to
// log lines. They are stable across CLI, logs and documentation.
package sym

// Revision tree glyphs.
const (
	Revision = "◆" // complete revision (payload present)
	Shallow  = "◇" // shallow revision (topology known, payload not fetched)
	Head     = "➤" // current head
)

// Sync glyphs.
const (
	Sync   = "⇅" // a sync session
	Push   = "↑" // revision pushed to remote
	Fetch  = "↓" // revision fetched from remote
	Remote = "☁" // remote backend / project
)

// System infrastructure symbols.
const (
	DB = "⊔" // database/storage layer
	AM = "≡" // configuration
)

// ForRevision returns the glyph for a revision given its payload state and
// whether it is the head.
func ForRevision(shallow, head bool) string {
	switch {
	case head:
		return Head
	case shallow:
		return Shallow
	default:
		return Revision
	}
}
