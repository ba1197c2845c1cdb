package fabric

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// Profile describes a provider's RMA capabilities as loaded from an
// INI capability file, the way the teacher loads device capabilities
// out of an EDS file (pkg/od's ini.v1 parser). Operators ship one
// profile per fabric provider so the core can refuse combinations it
// cannot support (an oversized vector, a virtual-address-only
// provider) before ever opening an endpoint.
type Profile struct {
	// Name is the provider name this profile applies to, e.g. "verbs"
	// or "loopback".
	Name string
	// MaxSegs mirrors rma_maxsegs: the largest scatter-gather segment
	// count any single RMA write or registration call may use.
	MaxSegs int
	// RequiresVirtualAddress mirrors requires_virtual_address: true
	// rejects the provider outright (spec §4.2).
	RequiresVirtualAddress bool
	// DefaultAccess is the access flags applied when none are given
	// explicitly.
	DefaultAccess AccessFlags
}

// LoadProfile reads a provider capability profile from an INI file.
// Expected section shape:
//
//	[fabric]
//	name = verbs
//	rma_maxsegs = 4
//	requires_virtual_address = false
func LoadProfile(path string) (*Profile, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("fabric: load profile %s: %w", path, err)
	}
	sec := cfg.Section("fabric")

	p := &Profile{
		Name:          sec.Key("name").MustString("default"),
		MaxSegs:       sec.Key("rma_maxsegs").MustInt(4),
		DefaultAccess: AccessRead | AccessWrite,
	}
	p.RequiresVirtualAddress = sec.Key("requires_virtual_address").MustBool(false)

	if p.MaxSegs <= 0 {
		return nil, fmt.Errorf("fabric: profile %s: rma_maxsegs must be positive, got %d", path, p.MaxSegs)
	}
	return p, nil
}
