package registry

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// Directory is the set of service addresses known to a process. Clients refuse to
// target an address that is not in it. Safe for concurrent use.
type Directory struct {
	set mapset.Set[string]
}

func NewDirectory(addresses ...string) *Directory {
	return &Directory{set: mapset.NewSet[string](addresses...)}
}

// Add makes addresses known.
func (d *Directory) Add(addresses ...string) {
	d.set.Append(addresses...)
}

// Remove forgets an address.
func (d *Directory) Remove(address string) {
	d.set.Remove(address)
}

func (d *Directory) Contains(address string) bool {
	return d.set.Contains(address)
}

// Addresses returns the known addresses in order.
func (d *Directory) Addresses() []string {
	out := d.set.ToSlice()
	sort.Strings(out)
	return out
}

func (d *Directory) Len() int { return d.set.Cardinality() }
