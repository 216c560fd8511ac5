package store_test

import (
	"testing"

	"github.com/DukeRupert/estategpt/internal/store"
	"github.com/DukeRupert/estategpt/internal/store/storetest"
)

func TestMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewMemory()
	})
}
