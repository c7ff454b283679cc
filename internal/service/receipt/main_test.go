package receipt

import (
	"os"
	"testing"

	"meshtalk-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	os.Exit(m.Run())
}
