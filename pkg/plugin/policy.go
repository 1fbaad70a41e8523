package plugin

import "slices"

// PermissionPolicy restricts which permissions a plugin may be granted.
// Denied wins over Allowed; an empty Allowed list allows every known permission.
type PermissionPolicy struct {
	Allowed []Permission `yaml:"allowed"`
	Denied  []Permission `yaml:"denied"`
}

// Merge returns p with empty lists filled from other.
func (p PermissionPolicy) Merge(other PermissionPolicy) PermissionPolicy {
	if len(p.Allowed) == 0 {
		p.Allowed = other.Allowed
	}
	if len(p.Denied) == 0 {
		p.Denied = other.Denied
	}
	return p
}

// Validate rejects descriptors requesting denied or non-allowed permissions.
func (p PermissionPolicy) Validate(desc Descriptor) error {
	for _, perm := range desc.Permissions {
		if slices.Contains(p.Denied, perm) {
			return invalid(desc.ID, "permission %s is explicitly denied", perm)
		}
		if len(p.Allowed) > 0 && !slices.Contains(p.Allowed, perm) {
			return invalid(desc.ID, "permission %s not permitted", perm)
		}
	}
	return nil
}

// ValidateDescriptor checks required fields, formats and permission
// constraints. system_access is only accepted when allowExperimental is set.
func ValidateDescriptor(desc Descriptor, allowExperimental bool) error {
	missing := make([]string, 0, 4)
	for field, value := range map[string]string{"id": desc.ID, "name": desc.Name, "version": desc.Version, "main": desc.Main} {
		if value == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return invalid(desc.ID, "missing required fields: %v", missing)
	}
	if !idPattern.MatchString(desc.ID) {
		return invalid(desc.ID, "invalid plugin id %q", desc.ID)
	}
	if !versionPattern.MatchString(desc.Version) {
		return invalid(desc.ID, "invalid version format %q", desc.Version)
	}
	for _, perm := range desc.Permissions {
		if !perm.Known() {
			return invalid(desc.ID, "unknown permission %q", perm)
		}
		if perm == PermissionSystem && !allowExperimental {
			return invalid(desc.ID, "permission %s requires experimental plugins to be allowed", perm)
		}
	}
	for _, dep := range desc.Dependencies {
		if !idPattern.MatchString(dep.ID) {
			return invalid(desc.ID, "invalid dependency id %q", dep.ID)
		}
		if _, err := ParseVersion(dep.Version); err != nil {
			return invalid(desc.ID, "dependency %s: %v", dep.ID, err)
		}
		if dep.ID == desc.ID {
			return invalid(desc.ID, "plugin cannot depend on itself")
		}
	}
	return nil
}
