package model

import "fmt"

// Variant identifies one known sign-in export layout.
type Variant int

const (
	VariantUnknown Variant = iota
	VariantLegacyPortal
	VariantGraphInteractive
	VariantGraphNonInteractive
	VariantGraphServicePrincipal
	VariantGraphManagedIdentity
)

var variantNames = map[Variant]string{
	VariantUnknown:               "unknown",
	VariantLegacyPortal:          "legacy_portal",
	VariantGraphInteractive:      "graph_interactive",
	VariantGraphNonInteractive:   "graph_non_interactive",
	VariantGraphServicePrincipal: "graph_service_principal",
	VariantGraphManagedIdentity:  "graph_managed_identity",
}

// Variants lists every known variant, excluding VariantUnknown.
var Variants = []Variant{
	VariantLegacyPortal,
	VariantGraphInteractive,
	VariantGraphNonInteractive,
	VariantGraphServicePrincipal,
	VariantGraphManagedIdentity,
}

func (v Variant) String() string {
	if name, ok := variantNames[v]; ok {
		return name
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// ParseVariant converts a stored or user-supplied name back into a Variant.
// Hyphens are accepted in place of underscores.
func ParseVariant(s string) (Variant, error) {
	for v, name := range variantNames {
		if name == s || name == hyphenToUnderscore(s) {
			return v, nil
		}
	}
	return VariantUnknown, fmt.Errorf("unknown schema variant: %q", s)
}

func hyphenToUnderscore(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] == '-' {
			b[i] = '_'
		}
	}
	return string(b)
}

// SignInType classifies who authenticated.
type SignInType string

const (
	SignInInteractive      SignInType = "interactive"
	SignInNonInteractive   SignInType = "non_interactive"
	SignInServicePrincipal SignInType = "service_principal"
	SignInManagedIdentity  SignInType = "managed_identity"
)

// IsWorkload reports whether the sign-in belongs to a non-human identity.
func (t SignInType) IsWorkload() bool {
	return t == SignInServicePrincipal || t == SignInManagedIdentity
}
