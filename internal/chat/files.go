package chat

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"time"
)

// StoredFileName builds "<unix millis>_<0-999><ext>" from the original name's
// extension so uploads of the same file never collide on name alone.
func StoredFileName(original string, now time.Time) string {
	return fmt.Sprintf("%d_%d%s", now.UnixMilli(), rand.Intn(1000), filepath.Ext(original))
}
