package storage

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/registrar/internal/common"
	"github.com/ternarybob/registrar/internal/interfaces"
	"github.com/ternarybob/registrar/internal/storage/badger"
)

// NewRunStorage opens the Badger database and returns run storage over it.
// Closing the returned storage closes the database.
func NewRunStorage(logger arbor.ILogger, config *common.Config) (interfaces.RunStorage, error) {
	db, err := badger.NewBadgerDB(logger, &config.Storage.Badger)
	if err != nil {
		return nil, err
	}

	logger.Info().Str("path", config.Storage.Badger.Path).Msg("Badger run storage initialized")

	return badger.NewRunStorage(db, logger), nil
}
