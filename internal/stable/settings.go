package stable

// Settings carries the stabilization configuration shared by the policies,
// the engine and the resolver. It is loaded once at bootstrap; inclusion
// modes are a closed set chosen per process, not a runtime plugin slot.
type Settings struct {
	// Mode selects which version of each inclusion a stabilized page binds.
	Mode InclusionMode
	// EnabledNamespaces lists the namespaces stabilization applies to. Pages
	// outside them have no notion of stable.
	EnabledNamespaces []Namespace
	// FileNamespace is the namespace file description pages live in; the
	// stable inclusion mode uses it to chase image stable points.
	FileNamespace Namespace
	// DraftGroups lists user groups allowed to see drafts. The admin group is
	// always included.
	DraftGroups []string
	// AllowFirstUnstable permits showing never-stabilized pages to viewers
	// without draft rights.
	AllowFirstUnstable bool
}

// NamespaceEnabled reports whether stabilization applies to the namespace.
func (s Settings) NamespaceEnabled(ns Namespace) bool {
	for _, enabled := range s.EnabledNamespaces {
		if enabled == ns {
			return true
		}
	}
	return false
}

// CanSeeDraftGroups returns the effective draft-visibility allow-list.
func (s Settings) CanSeeDraftGroups() []string {
	groups := make([]string, 0, len(s.DraftGroups)+1)
	groups = append(groups, s.DraftGroups...)
	for _, g := range groups {
		if g == AdminGroup {
			return groups
		}
	}
	return append(groups, AdminGroup)
}
