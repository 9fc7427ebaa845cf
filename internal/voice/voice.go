// Package voice holds the fixed speaker catalog shipped with the kitten model.
package voice

// Profile identifies one speaker embedding in the model's voice table.
type Profile struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

var catalog = [...]Profile{
	{ID: 0, Name: "Bella"},
	{ID: 1, Name: "Jasper"},
	{ID: 2, Name: "Luna"},
	{ID: 3, Name: "Bruno"},
	{ID: 4, Name: "Rosie"},
	{ID: 5, Name: "Hugo"},
	{ID: 6, Name: "Kiki"},
	{ID: 7, Name: "Leo"},
}

// Catalog returns a copy of the voice catalog in ID order.
func Catalog() []Profile {
	out := make([]Profile, len(catalog))
	copy(out, catalog[:])
	return out
}

// Count is the number of speakers in the catalog.
func Count() int { return len(catalog) }

// Lookup returns the profile for id.
func Lookup(id int) (Profile, bool) {
	if id < 0 || id >= len(catalog) {
		return Profile{}, false
	}
	return catalog[id], true
}
