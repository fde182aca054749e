package generation

// ChangeKind describes what a CodeChange does to its target file.
type ChangeKind string

const (
	KindCreate ChangeKind = "create"
	KindModify ChangeKind = "modify"
	KindDelete ChangeKind = "delete"
)

// ValidKind reports whether k is a recognized change kind.
func ValidKind(k ChangeKind) bool {
	switch k {
	case KindCreate, KindModify, KindDelete:
		return true
	}
	return false
}

// CodeChange is a single file edit within an improvement. Paths are
// absolute, resolved against the project root at generation time.
type CodeChange struct {
	Path        string     `json:"path"`
	Kind        ChangeKind `json:"kind"`
	Description string     `json:"description"`
	OldContent  string     `json:"old_content,omitempty"` // captured before modify/delete
	NewContent  string     `json:"new_content,omitempty"`
}

// Improvement is a proposed, not-yet-applied set of code changes plus a
// verification script. Generated code is data: nothing here is executed
// in the host process.
type Improvement struct {
	ID                 string       `json:"id"` // matches the source opportunity
	Title              string       `json:"title"`
	Description        string       `json:"description"`
	Changes            []CodeChange `json:"changes"`
	VerificationScript string       `json:"verification_script,omitempty"`
}
