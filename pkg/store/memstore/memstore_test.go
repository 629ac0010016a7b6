package memstore

import (
	"testing"

	"github.com/wilhg/ckptviz/pkg/store"
	"github.com/wilhg/ckptviz/pkg/store/storetest"
)

func TestArchiveStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.ArchiveStore { return New() })
}
