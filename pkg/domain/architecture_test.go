package domain

import (
	"testing"

	"microlab/testutil"
)

func TestDomainDoesNotImportInternal(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden, "the document model is shared by every layer")
}
