package blob

import (
	"encoding/base64"
	"fmt"
)

// blockIDWidth is the zero-padded decimal width of the raw block id.
// All ids must decode to the same length or the backend rejects the list.
const blockIDWidth = 6

// BlockID derives the block identifier for a part number. It is a pure
// function of the part number alone, so a retried write of the same logical
// part targets the same block and cannot corrupt ordering.
func BlockID(partNumber int) string {
	raw := fmt.Sprintf("%0*d", blockIDWidth, partNumber)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}
