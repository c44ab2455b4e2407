//go:build integration

package commission

import (
	"testing"

	"github.com/petnest/paycore/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		db, cleanup := testutil.PGTest(t)
		t.Cleanup(cleanup)
		return NewPostgresStore(db)
	})
}
