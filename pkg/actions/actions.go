// Package actions lists the RAM actions the CMS platform enforces.
package actions

import "sort"

// Action names an operation a caller may be granted. Actions compare by exact
// string equality; there is no hierarchy.
type Action string

func (a Action) String() string { return string(a) }

// Media
const (
	MediaList   Action = "media.list"
	MediaGet    Action = "media.get"
	MediaUpload Action = "media.upload"
	MediaUpdate Action = "media.update"
	MediaDelete Action = "media.delete"
	MediaCrop   Action = "media.crop"
)

// Options
const (
	OptionList   Action = "option.list"
	OptionGet    Action = "option.get"
	OptionCreate Action = "option.create"
	OptionUpdate Action = "option.update"
	OptionDelete Action = "option.delete"
)

// Term taxonomy
const (
	TermTaxonomyList   Action = "termTaxonomy.list"
	TermTaxonomyGet    Action = "termTaxonomy.get"
	TermTaxonomyCreate Action = "termTaxonomy.create"
	TermTaxonomyUpdate Action = "termTaxonomy.update"
	TermTaxonomyDelete Action = "termTaxonomy.delete"
)

// Users
const (
	UserList       Action = "user.list"
	UserGet        Action = "user.get"
	UserCreate     Action = "user.create"
	UserUpdate     Action = "user.update"
	UserDelete     Action = "user.delete"
	UserSecretRead Action = "user.secret.read"
)

// Object storage
const (
	ObsListBuckets  Action = "obs.listBuckets"
	ObsListObjects  Action = "obs.listObjects"
	ObsGetObject    Action = "obs.getObject"
	ObsPutObject    Action = "obs.putObject"
	ObsDeleteObject Action = "obs.deleteObject"
)

// Gateway
const (
	AuthWhoAmI Action = "auth.whoami"
	AuthCheck  Action = "auth.check"
	AuthRevoke Action = "auth.revoke"
)

var registry = func() map[Action]struct{} {
	m := make(map[Action]struct{})
	for _, a := range []Action{
		MediaList, MediaGet, MediaUpload, MediaUpdate, MediaDelete, MediaCrop,
		OptionList, OptionGet, OptionCreate, OptionUpdate, OptionDelete,
		TermTaxonomyList, TermTaxonomyGet, TermTaxonomyCreate, TermTaxonomyUpdate, TermTaxonomyDelete,
		UserList, UserGet, UserCreate, UserUpdate, UserDelete, UserSecretRead,
		ObsListBuckets, ObsListObjects, ObsGetObject, ObsPutObject, ObsDeleteObject,
		AuthWhoAmI, AuthCheck, AuthRevoke,
	} {
		m[a] = struct{}{}
	}
	return m
}()

// All returns every registered action in lexical order.
func All() []Action {
	out := make([]Action, 0, len(registry))
	for a := range registry {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Known reports whether a is a registered action.
func Known(a Action) bool {
	_, ok := registry[a]
	return ok
}

// Parse converts s into a registered action.
func Parse(s string) (Action, bool) {
	a := Action(s)
	return a, Known(a)
}
