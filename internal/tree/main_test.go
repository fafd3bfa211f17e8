package tree

import (
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/fruitsalade/fileserver/internal/logging"
)

func TestMain(m *testing.M) {
	logging.Replace(zap.NewNop())
	os.Exit(m.Run())
}
