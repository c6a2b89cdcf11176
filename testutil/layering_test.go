package testutil

import "testing"

// belowCollections allows the blob contract package but not the blob facade.
func belowCollections(path string) bool {
	return ImportsUnder("internal/core", "internal/backup")(path) || path == ModulePath+"/internal/blob"
}

func TestRepositoryLayering(t *testing.T) {
	cases := []struct {
		dir       string
		forbidden func(string) bool
		reason    string
	}{
		{"../pkg", InternalImportForbidden, "public packages must not depend on internal ones"},
		{"../internal/infra", belowCollections, "stores sit below the collection API"},
		{"../internal/config", ImportsUnder("internal/core", "internal/infra", "internal/backup", "internal/blob"), "configuration is a leaf"},
		{"../internal/core", ImportsUnder("internal/backup", "internal/blob"), "the collection API does not know about backups"},
	}
	for _, tc := range cases {
		AssertTreeHasNoDirectImports(t, tc.dir, tc.forbidden, tc.reason)
	}
}
